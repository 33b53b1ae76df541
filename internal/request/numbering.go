package request

import (
	"fmt"
	"time"
)

const numberPrefix = "TM"

// maxNumberAttempts bounds the retries on a request-number collision before
// the conflict surfaces to the caller.
const maxNumberAttempts = 3

// FormatNumber builds the human-readable request number: TM, date as YYMMDD,
// then a four-digit sequence. The sequence is derived from the request count
// at generation time, so it is a best-effort label, not a uniqueness
// guarantee; the request_number unique constraint is what actually enforces
// uniqueness, with generation retried on collision.
func FormatNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("%s%s%04d", numberPrefix, at.Format("060102"), seq)
}
