package router

import (
	"encoding/json"
	"net/url"

	"github.com/vango-dev/routeloader/pkg/route"
)

// SearchCodec converts between a raw query string and search params.
type SearchCodec interface {
	Parse(raw string) (map[string]any, error)
	Stringify(search map[string]any) (string, error)
}

// JSONSearch is the default codec. Each query value is decoded as JSON when
// it is valid JSON and kept as a string otherwise, so "?page=2&q=go" parses
// to {"page": 2, "q": "go"}. Repeated keys parse to a list.
type JSONSearch struct{}

// Parse implements SearchCodec.
func (JSONSearch) Parse(raw string) (map[string]any, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, route.New(route.CodeSearchParse).Wrap(err)
	}
	out := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			out[k] = decodeValue(vs[0])
			continue
		}
		list := make([]any, len(vs))
		for i, v := range vs {
			list[i] = decodeValue(v)
		}
		out[k] = list
	}
	return out, nil
}

// Stringify implements SearchCodec. Keys are written in sorted order.
func (JSONSearch) Stringify(search map[string]any) (string, error) {
	values := make(url.Values, len(search))
	for k, v := range search {
		if list, ok := v.([]any); ok {
			for _, item := range list {
				s, err := encodeValue(item)
				if err != nil {
					return "", route.New(route.CodeSearchParse).WithDetail(k).Wrap(err)
				}
				values.Add(k, s)
			}
			continue
		}
		s, err := encodeValue(v)
		if err != nil {
			return "", route.New(route.CodeSearchParse).WithDetail(k).Wrap(err)
		}
		values.Set(k, s)
	}
	return values.Encode(), nil
}

func decodeValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func encodeValue(v any) (string, error) {
	// Strings stay bare unless they would decode as something else.
	if s, ok := v.(string); ok && !json.Valid([]byte(s)) {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
