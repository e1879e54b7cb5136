package router

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBindParams(t *testing.T) {
	type Params struct {
		ID    int      `param:"id"`
		Count uint     `param:"count"`
		Name  string   `param:"name"`
		Path  []string `param:"_splat"`
		Other string
	}
	var p Params
	err := BindParams(map[string]string{
		"id":     "123",
		"count":  "4",
		"name":   "post",
		"_splat": "docs/guide/intro",
	}, &p)
	if err != nil {
		t.Fatalf("BindParams() error = %v", err)
	}
	want := Params{ID: 123, Count: 4, Name: "post", Path: []string{"docs", "guide", "intro"}}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("BindParams() mismatch (-want +got):\n%s", diff)
	}
}

func TestBindParams_Errors(t *testing.T) {
	type Params struct {
		ID int `param:"id"`
	}
	var p Params
	if err := BindParams(map[string]string{"id": "abc"}, &p); err == nil {
		t.Error("BindParams(non-int) error = nil")
	}
	if err := BindParams(map[string]string{"id": "1"}, p); err == nil {
		t.Error("BindParams(non-pointer) error = nil")
	}
	n := 0
	if err := BindParams(nil, &n); err == nil {
		t.Error("BindParams(pointer to int) error = nil")
	}
}

func TestBindSearch(t *testing.T) {
	type Search struct {
		Page  int      `search:"page"`
		Draft bool     `search:"draft"`
		Score float64  `search:"score"`
		Tags  []string `search:"tag"`
		Q     string   `search:"q"`
	}
	search, err := JSONSearch{}.Parse("page=2&draft=true&score=1.5&tag=a&tag=b&q=go")
	if err != nil {
		t.Fatal(err)
	}
	var s Search
	if err := BindSearch(search, &s); err != nil {
		t.Fatalf("BindSearch() error = %v", err)
	}
	want := Search{Page: 2, Draft: true, Score: 1.5, Tags: []string{"a", "b"}, Q: "go"}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("BindSearch() mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateParam(t *testing.T) {
	tests := []struct {
		value, typ string
		wantErr    bool
	}{
		{"42", "int", false},
		{"-1", "int", false},
		{"abc", "int", true},
		{"-1", "uint", true},
		{"550e8400-e29b-41d4-a716-446655440000", "uuid", false},
		{"not-a-uuid", "uuid", true},
		{"anything", "string", false},
		{"anything", "custom", false},
	}
	for _, tt := range tests {
		err := ValidateParam(tt.value, tt.typ)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateParam(%q, %q) error = %v, wantErr %v", tt.value, tt.typ, err, tt.wantErr)
		}
	}
}

func TestParamTypes(t *testing.T) {
	parse := ParamTypes(map[string]string{"id": "int", "missing": "int"})
	if _, err := parse(map[string]string{"id": "7"}); err != nil {
		t.Errorf("parse(valid) error = %v", err)
	}
	if _, err := parse(map[string]string{"id": "x"}); err == nil {
		t.Error("parse(invalid) error = nil")
	}
}
