package backup

import (
	"os"
	"strings"
	"time"
)

// expandPlaceholders substitutes the supported placeholders in configured
// remote directories and archive names:
//
//	{date}     the YYYYMMDD date of the run
//	{hostname} the machine's hostname
func expandPlaceholders(s string, now time.Time) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return strings.NewReplacer(
		"{date}", now.Format("20060102"),
		"{hostname}", hostname,
	).Replace(s)
}
