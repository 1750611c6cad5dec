// Package dispatch sweeps the post queue on a cron schedule and hands off
// posts whose send time has passed.
//
// A sweep loads queued posts with scheduled_at <= now, marks each one "due"
// and publishes a post.due event. Delivery to the social networks is done by
// whoever subscribes to that event.
package dispatch
