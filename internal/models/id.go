package models

import (
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func NewID(prefix string) string {
	t := time.Now()
	entropy := ulid.Monotonic(mrand.New(mrand.NewSource(t.UnixNano())), 0)
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return fmt.Sprintf("%s_%s", prefix, id.String())
}

// NewEventID uses a UUID instead of a ULID so that event ids are not
// orderable; events carry their own timestamp.
func NewEventID() string {
	return fmt.Sprintf("evt_%s", uuid.New().String())
}
