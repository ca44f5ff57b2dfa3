package utility

import (
	"strconv"

	"github.com/google/uuid"
)

// ToInt converts a string to an integer, tolerating float-formatted input
func ToInt(s string) int {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(f)
}

func NewUUID() string {
	return uuid.New().String()
}
