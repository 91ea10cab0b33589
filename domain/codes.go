package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// NextCode returns prefix followed by one more than the largest numeric suffix among ids,
// zero-padded to three digits: M001, M002, ... RX010.
func NextCode(prefix string, ids []string) string {
	var max int64
	for _, id := range ids {
		n, err := strconv.ParseInt(strings.TrimPrefix(id, prefix), 10, 64)
		if err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%03d", prefix, max+1)
}
