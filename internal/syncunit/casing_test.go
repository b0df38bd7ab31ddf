package syncunit

import "testing"

func TestToSnakeCase(t *testing.T) {
	cases := map[string]string{
		"FirstName": "first_name",
		"ID":        "id",
		"URLPath":   "url_path",
		"A":         "a",
		"Notes":     "notes",
	}
	for in, want := range cases {
		if got := toSnakeCase(in); got != want {
			t.Errorf("toSnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToCamelCase(t *testing.T) {
	cases := map[string]string{
		"first_name": "firstName",
		"notes":      "notes",
		"a_b_c":      "aBC",
	}
	for in, want := range cases {
		if got := toCamelCase(in); got != want {
			t.Errorf("toCamelCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToUpperSnake(t *testing.T) {
	if got := toUpperSnake("renameTitle"); got != "RENAME_TITLE" {
		t.Errorf("toUpperSnake() = %q, want RENAME_TITLE", got)
	}
}
