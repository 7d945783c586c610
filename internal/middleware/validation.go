package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/moy-bank/support-gateway/internal/model"
)

var validate = validator.New()

// HistoryQuery holds the paging parameters of the history endpoint.
type HistoryQuery struct {
	FromPosition uint64
	Limit        int `validate:"gte=0,lte=200"`
}

// ParseHistoryQuery reads from_position and limit from the query string.
func ParseHistoryQuery(r *http.Request) (HistoryQuery, error) {
	var q HistoryQuery
	values := r.URL.Query()

	if v := values.Get("from_position"); v != "" {
		from, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return q, fmt.Errorf("%w: from_position must be a non-negative integer", model.ErrValidationFailed)
		}
		q.FromPosition = from
	}
	if v := values.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("%w: limit must be an integer", model.ErrValidationFailed)
		}
		q.Limit = limit
	}

	if err := validate.Struct(q); err != nil {
		return q, fmt.Errorf("%w: limit must be between 0 and 200", model.ErrValidationFailed)
	}
	return q, nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if !model.ValidID(id) {
		return fmt.Errorf("%w: invalid conversation ID format", model.ErrValidationFailed)
	}
	return nil
}
