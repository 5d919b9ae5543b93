package capture

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// amzDateLayout is the ISO 8601 basic format used by SigV4 query parameters.
const amzDateLayout = "20060102T150405Z"

// ParseSignedURLExpiration extracts the expiration embedded in a signed
// retrieval URL. It understands SigV4 presigned URLs (X-Amz-Date plus
// X-Amz-Expires) and the legacy Expires unix-timestamp parameter.
func ParseSignedURLExpiration(rawURL string) (time.Time, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse signed url: %w", err)
	}
	q := u.Query()

	if date := q.Get("X-Amz-Date"); date != "" {
		signedAt, err := time.Parse(amzDateLayout, date)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse X-Amz-Date %q: %w", date, err)
		}
		secs, err := strconv.ParseInt(q.Get("X-Amz-Expires"), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse X-Amz-Expires %q: %w", q.Get("X-Amz-Expires"), err)
		}
		return signedAt.Add(time.Duration(secs) * time.Second), nil
	}

	if expires := q.Get("Expires"); expires != "" {
		ts, err := strconv.ParseInt(expires, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse Expires %q: %w", expires, err)
		}
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("no expiration parameter in signed url %q", u.Path)
}
