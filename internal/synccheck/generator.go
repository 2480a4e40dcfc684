package synccheck

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

var assessmentTypes = []string{
	"push-ups", "sit-ups", "vertical-jump", "shuttle-run", "endurance-run", "height-weight",
}

// generateCaptures builds n captures with unique client keys and distinct
// submission times one second apart, handed out in random order.
func generateCaptures(cfg *Config, now time.Time) []Capture {
	subjects := max(cfg.Subjects, 1)
	out := make([]Capture, cfg.Captures)
	for i := range out {
		out[i] = Capture{
			ClientKey:      uuid.NewString(),
			SubjectID:      fmt.Sprintf("athlete-%03d", i%subjects),
			AssessmentType: assessmentTypes[randomInt(len(assessmentTypes))],
			SubmittedAt:    now.Add(-time.Duration(i) * time.Second).UTC().Truncate(time.Second),
		}
	}
	for i := len(out) - 1; i > 0; i-- {
		j := randomInt(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// randomInt returns a value in [0, n) using crypto/rand.
func randomInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
