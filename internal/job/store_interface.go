package job

// JobStore defines the interface for job storage (in-memory, badger and redis)
type JobStore interface {
	Add(j *Job) error
	Get(id string) (*Job, error)
	// Claim moves the oldest pending job that owner may run to processing,
	// or returns nil.
	Claim(owner string) *Job
	List(limit, offset int, status string) ([]*Job, int)
	ListPending() ([]*Job, error)
	SetProgress(id string, status Status, progress int) error
	Complete(id string, modelURL string) error
	Fail(id string, errMsg string) error
	Stats() Stats
}

var (
	_ JobStore = (*Store)(nil)
	_ JobStore = (*PersistentStore)(nil)
	_ JobStore = (*RedisStore)(nil)
)
