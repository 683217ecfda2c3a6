// Package dedupe provides a TTL cache for suppressing duplicate
// announcements when a poll loop replays overlapping event windows.
package dedupe
