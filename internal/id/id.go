package id

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

func New() string {
	u, err := uuid.NewRandom()
	if err != nil {
		return "job-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return u.String()
}

// Valid reports whether s looks like an id produced by New.
func Valid(s string) bool {
	if _, err := uuid.Parse(s); err == nil {
		return true
	}
	if len(s) > 4 && s[:4] == "job-" {
		_, err := strconv.ParseInt(s[4:], 36, 64)
		return err == nil
	}
	return false
}
