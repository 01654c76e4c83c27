package httptransport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/c0deZ3R0/go-offline-sync/document"
	"github.com/c0deZ3R0/go-offline-sync/query"
)

// Query string parameters of GET /objects/{bucket}.
const (
	ParamWhere      = "where"
	ParamOrder      = "order"
	ParamSkip       = "skip"
	ParamLimit      = "limit"
	ParamCount      = "count"
	ParamDeleteMark = "deleteMark"
)

// EncodeQuery renders q as GET /objects query parameters.
func EncodeQuery(q query.Query) (url.Values, error) {
	v := url.Values{}
	if q.Clause.Len() > 0 {
		where, err := q.Clause.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode where: %w", err)
		}
		v.Set(ParamWhere, string(where))
	}
	if len(q.SortOrders) > 0 {
		v.Set(ParamOrder, strings.Join(q.SortOrders, ","))
	}
	if q.Skip > 0 {
		v.Set(ParamSkip, strconv.Itoa(q.Skip))
	}
	if q.Limit >= 0 {
		v.Set(ParamLimit, strconv.Itoa(q.Limit))
	}
	if q.WantCount {
		v.Set(ParamCount, "1")
	}
	if q.IncludeDeleted {
		v.Set(ParamDeleteMark, "1")
	}
	return v, nil
}

// DecodeQuery parses GET /objects query parameters. A missing limit means
// unbounded.
func DecodeQuery(v url.Values) (query.Query, error) {
	q := query.New()
	if where := v.Get(ParamWhere); where != "" {
		clause, err := document.ParseObject([]byte(where))
		if err != nil {
			return q, fmt.Errorf("invalid %s: %w", ParamWhere, err)
		}
		q.Clause = clause
	}
	q.SortOrders = query.ParseSort(v.Get(ParamOrder))

	var err error
	if q.Skip, err = intParam(v, ParamSkip, 0); err != nil {
		return q, err
	}
	if q.Limit, err = intParam(v, ParamLimit, -1); err != nil {
		return q, err
	}
	q.WantCount = flagParam(v, ParamCount)
	q.IncludeDeleted = flagParam(v, ParamDeleteMark)
	return q, nil
}

func intParam(v url.Values, name string, def int) (int, error) {
	s := v.Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, s)
	}
	return n, nil
}

func flagParam(v url.Values, name string) bool {
	s := v.Get(name)
	return s == "1" || strings.EqualFold(s, "true")
}
