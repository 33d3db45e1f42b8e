package assistant

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/vitalog/internal/model"
)

// BuildPrompt frames the user's message with their readings. Readings that
// could not be decrypted are left out.
func BuildPrompt(metrics []model.HealthMetric, message string) string {
	var sb strings.Builder
	sb.WriteString("You are a health assistant. The user has the following health metrics:\n")

	n := 0
	for _, m := range metrics {
		if m.Encrypted {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s %s (recorded at %s)\n",
			m.MetricType, strconv.FormatFloat(m.Value, 'f', -1, 64), m.Unit, m.RecordedAt.UTC().Format(time.RFC3339))
		n++
	}
	if n == 0 {
		sb.WriteString("(no metrics recorded)\n")
	}

	fmt.Fprintf(&sb, "\nUser message: %s\n\n", strings.TrimSpace(message))
	sb.WriteString("Please provide a helpful response that:\n")
	sb.WriteString("1. Answers the user's question\n")
	sb.WriteString("2. References their health metrics when relevant\n")
	sb.WriteString("3. Provides general health guidance, not a diagnosis\n")
	sb.WriteString("4. Keeps a friendly and professional tone\n")
	return sb.String()
}
