package refresh

import (
	"encoding/json"
	"strconv"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
)

func jsonOf(p feed.PostSummary) ([]byte, error) {
	return json.Marshal(p)
}

func idOf(p feed.PostSummary) string {
	return strconv.FormatInt(p.ID, 10)
}
