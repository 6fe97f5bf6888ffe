// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/slopewatch/core/schema"
)

// MaxBodySize is the largest request body accepted by DecodeBody
const MaxBodySize = 1 << 20

// page size limits for list endpoints
const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// PageRequest is a validated page request
type PageRequest struct {
	Page     int
	PageSize int
}

// Offset returns the number of rows to skip
func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Pagination is the pagination block of list responses
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// NewPagination returns the pagination block for a page of a result set with total rows
func NewPagination(p PageRequest, total int) Pagination {
	totalPages := 1
	if total > 0 && p.PageSize > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(p.PageSize)))
	}
	return Pagination{
		Page:       p.Page,
		PageSize:   p.PageSize,
		Total:      total,
		TotalPages: totalPages,
	}
}

// ParsePage reads page and pageSize from the query. Page defaults to 1, pageSize to
// DefaultPageSize and must not exceed MaxPageSize.
func ParsePage(q url.Values) (PageRequest, error) {
	page, err := QueryInt(q, "page", 1, 1, math.MaxInt32)
	if err != nil {
		return PageRequest{}, err
	}
	pageSize, err := QueryInt(q, "pageSize", DefaultPageSize, 1, MaxPageSize)
	if err != nil {
		return PageRequest{}, err
	}
	return PageRequest{Page: page, PageSize: pageSize}, nil
}

// QueryInt reads an integer query parameter in the range [min,max]. Missing parameters yield def.
func QueryInt(q url.Values, name string, def, min, max int) (int, error) {
	s := strings.TrimSpace(q.Get(name))
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < min || v > max {
		return 0, InvalidField(name).With("min", min).With("max", max)
	}
	return v, nil
}

// QueryTime reads a mandatory RFC3339 timestamp from the query
func QueryTime(q url.Values, name string) (time.Time, error) {
	s := strings.TrimSpace(q.Get(name))
	if s == "" {
		return time.Time{}, InvalidField(name)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, InvalidField(name)
	}
	return t, nil
}

// QueryUUID reads an optional uuid from the query. A missing parameter yields nil.
func QueryUUID(q url.Values, name string) (*uuid.UUID, error) {
	s := strings.TrimSpace(q.Get(name))
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, InvalidField(name)
	}
	return &id, nil
}

// QueryEnum reads an optional query parameter which must be one of allowed. A missing
// parameter yields def.
func QueryEnum(q url.Values, name, def string, allowed ...string) (string, error) {
	s := strings.TrimSpace(q.Get(name))
	if s == "" {
		return def, nil
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", InvalidField(name).With("allowed", allowed)
}

// PathUUID reads a uuid path variable
func PathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.UUID{}, InvalidField(name)
	}
	return id, nil
}

// DecodeBody reads the request body, validates it against schemaID and unmarshals it into v.
// If validator is nil, the body is only unmarshalled.
func DecodeBody(r *http.Request, validator *schema.Validator, schemaID string, v any) error {
	if r.Body == nil {
		return InvalidField("body")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
	if err != nil {
		return InvalidField("body").Wrap(err)
	}
	if len(body) > MaxBodySize {
		return Validation("request body too large").With("maxBytes", MaxBodySize)
	}
	if validator != nil {
		if err := validator.ValidateBytes(body, schemaID); err != nil {
			verr, ok := err.(*schema.ValidationError)
			if !ok {
				return Internal(err)
			}
			return InvalidField("body").With("issues", verr.Issues)
		}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return InvalidField("body")
	}
	return nil
}
