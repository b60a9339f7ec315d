package analyzer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// intervalExpr matches `CURRENT_TIMESTAMP - INTERVAL '15 minutes'` style
// arithmetic. The embedded SQL engine's own INTERVAL support is not
// guaranteed to agree with PostgreSQL's, and time windows must be resolved
// to absolute UTC instants before they reach the translator (§4.D.3), so
// this folds them at the text level before the statement is ever parsed by
// pg_query_go — the same "rewrite before parse" approach the teacher's
// catalog.go compatibility layer uses for pg_catalog casts.
var intervalExpr = regexp.MustCompile(
	`(?i)(CURRENT_TIMESTAMP|CURRENT_TIME|CURRENT_DATE|NOW\(\))\s*([+-])\s*INTERVAL\s*'(\d+)\s*(second|minute|hour|day|week)s?'`,
)

// FoldIntervals rewrites relative-time arithmetic in raw SQL text into
// absolute UTC timestamp literals, evaluated against now.
func FoldIntervals(sql string, now time.Time) string {
	return intervalExpr.ReplaceAllStringFunc(sql, func(match string) string {
		groups := intervalExpr.FindStringSubmatch(match)
		if groups == nil {
			return match
		}
		sign := groups[2]
		amount, err := strconv.Atoi(groups[3])
		if err != nil {
			return match
		}
		var d time.Duration
		switch strings.ToLower(groups[4]) {
		case "second":
			d = time.Duration(amount) * time.Second
		case "minute":
			d = time.Duration(amount) * time.Minute
		case "hour":
			d = time.Duration(amount) * time.Hour
		case "day":
			d = time.Duration(amount) * 24 * time.Hour
		case "week":
			d = time.Duration(amount) * 7 * 24 * time.Hour
		default:
			return match
		}

		base := now.UTC()
		if strings.EqualFold(groups[1], "CURRENT_DATE") {
			base = time.Date(base.Year(), base.Month(), base.Day(), 0, 0, 0, 0, time.UTC)
		}

		if sign == "-" {
			d = -d
		}
		return fmt.Sprintf("TIMESTAMP '%s'", base.Add(d).Format("2006-01-02 15:04:05.000000"))
	})
}
