package scheduler

import (
	"cmp"
	"math"
	"strings"
	"time"

	"github.com/Simplici0/printworks/internal/domain"
)

type JobStatus uint8

const (
	JobQueued JobStatus = iota
	JobAssigned
	JobDone

	numJobStatuses
)

var jobStatusNames = [...]string{
	JobQueued:   "QUEUED",
	JobAssigned: "ASSIGNED",
	JobDone:     "DONE",
}

var _ = [1]struct{}{}[len(jobStatusNames)-int(numJobStatuses)]

func (s JobStatus) String() string {
	if s >= numJobStatuses {
		return "UNKNOWN"
	}
	return jobStatusNames[s]
}

func (s JobStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Request asks for one order item to be printed. Each item is one job.
type Request struct {
	OrderID        string
	OrderCreatedAt time.Time
	ItemID         string
	Index          int
	Technology     domain.Technology
	BBox           domain.BoundingBox
	// HoursPerPart is the estimate for a single unit; the job prints Quantity units.
	HoursPerPart float64
	Quantity     int
}

func (r Request) duration() time.Duration {
	qty := max(r.Quantity, 1)
	return time.Duration(r.HoursPerPart * float64(qty) * float64(time.Hour))
}

// Job is a snapshot of a scheduled item.
type Job struct {
	OrderID       string            `json:"orderId"`
	ItemID        string            `json:"itemId"`
	Index         int               `json:"index"`
	Technology    domain.Technology `json:"technology"`
	BedClass      domain.BedClass   `json:"bedClass"`
	Status        JobStatus         `json:"status"`
	PrinterID     string            `json:"printerId,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueuedAt"`
	ScheduledAt   *time.Time        `json:"scheduledAt,omitempty"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	FinishedAt    *time.Time        `json:"finishedAt,omitempty"`
	Duration      time.Duration     `json:"duration"`
	Progress      float64           `json:"progress"`
	Interruptions int               `json:"interruptions"`
}

func (j Job) Ref() domain.JobRef {
	return domain.JobRef{OrderID: j.OrderID, ItemID: j.ItemID}
}

// job is the mutable record; its fields are guarded by the lane of its technology.
type job struct {
	req           Request
	class         domain.BedClass
	status        JobStatus
	printerID     string
	enqueuedAt    time.Time
	scheduledAt   *time.Time
	startedAt     *time.Time
	finishedAt    *time.Time
	interruptions int
}

func (j *job) ref() domain.JobRef {
	return domain.JobRef{OrderID: j.req.OrderID, ItemID: j.req.ItemID}
}

// progress is elapsed print time over the estimate. It stays below 100
// until the production floor reports completion.
func (j *job) progress(now time.Time) float64 {
	switch {
	case j.status == JobDone:
		return 100
	case j.startedAt == nil:
		return 0
	}
	d := j.req.duration()
	if d <= 0 {
		return 99
	}
	pct := float64(now.Sub(*j.startedAt)) / float64(d) * 100
	return math.Min(math.Max(pct, 0), 99)
}

func (j *job) snapshot(now time.Time) Job {
	return Job{
		OrderID:       j.req.OrderID,
		ItemID:        j.req.ItemID,
		Index:         j.req.Index,
		Technology:    j.req.Technology,
		BedClass:      j.class,
		Status:        j.status,
		PrinterID:     j.printerID,
		EnqueuedAt:    j.enqueuedAt,
		ScheduledAt:   copyTime(j.scheduledAt),
		StartedAt:     copyTime(j.startedAt),
		FinishedAt:    copyTime(j.finishedAt),
		Duration:      j.req.duration(),
		Progress:      j.progress(now),
		Interruptions: j.interruptions,
	}
}

// compareJobs orders a bucket: order creation time, then item index.
func compareJobs(a, b *job) int {
	if c := a.req.OrderCreatedAt.Compare(b.req.OrderCreatedAt); c != 0 {
		return c
	}
	if c := strings.Compare(a.req.OrderID, b.req.OrderID); c != 0 {
		return c
	}
	return cmp.Compare(a.req.Index, b.req.Index)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
