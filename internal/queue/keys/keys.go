// Package keys centralizes Redis key construction for the stage queues.
// Every key carries the queue name as a hash tag so that all keys of one
// queue land in the same cluster slot and can be touched by a single script.
package keys

const prefix = "lectures:{"

func Pending(q string) string   { return prefix + q + "}:pending" }
func Active(q string) string    { return prefix + q + "}:active" }
func Delayed(q string) string   { return prefix + q + "}:delayed" }
func Dead(q string) string      { return prefix + q + "}:dead" }
func Succeeded(q string) string { return prefix + q + "}:succeeded" }

// DeadExpiry is a ZSET index that tracks when dead-list members should be purged.
// Members are the raw message JSON; scores are absolute expiration timestamps in ms.
func DeadExpiry(q string) string { return prefix + q + "}:dead_expiry" }

// Unique returns the per-queue Set key that reserves message IDs for de-duplication.
func Unique(q string) string { return prefix + q + "}:unique" }

// Expiry returns the per-queue ZSET key that indexes message deadlines.
func Expiry(q string) string { return prefix + q + "}:expiry" }

// Queue holds all precomputed keys for a queue name.
type Queue struct {
	Name       string
	Pending    string
	Active     string
	Delayed    string
	Dead       string
	Succeeded  string
	Unique     string
	Expiry     string
	DeadExpiry string
}

// For returns the key set for the provided queue.
func For(q string) Queue {
	return Queue{
		Name:       q,
		Pending:    Pending(q),
		Active:     Active(q),
		Delayed:    Delayed(q),
		Dead:       Dead(q),
		Succeeded:  Succeeded(q),
		Unique:     Unique(q),
		Expiry:     Expiry(q),
		DeadExpiry: DeadExpiry(q),
	}
}

// QueueName parses the queue name out of a raw key such as
// "lectures:{download}:pending". It returns "" when the key has no hash tag.
func QueueName(key string) string {
	start, end := -1, -1
	for i := 0; i < len(key); i++ {
		if key[i] == '{' && start < 0 {
			start = i
		}
		if key[i] == '}' && start >= 0 {
			end = i
			break
		}
	}
	if start < 0 || end <= start+1 {
		return ""
	}
	return key[start+1 : end]
}
