package logging

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var requestIDCounter uint64

// GenerateRequestID returns a unique ID for tagging client requests in
// logs. The format is hex timestamp, process-wide counter, and a random
// suffix, e.g. "68ac3f00-002a-9f1b47c3".
func GenerateRequestID() string {
	ts := uint32(time.Now().Unix())
	counter := atomic.AddUint64(&requestIDCounter, 1) & 0xffff

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("%08x-%04x-00000000", ts, counter)
	}
	return fmt.Sprintf("%08x-%04x-%s", ts, counter, hex.EncodeToString(randomBytes))
}
