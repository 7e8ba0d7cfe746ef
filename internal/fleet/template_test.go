package fleet

import "testing"

func TestRenderTemplate_DollarName(t *testing.T) {
	out, err := renderTemplate("host=$host port=$port", map[string]string{"host": "10.0.0.1", "port": "22"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "host=10.0.0.1 port=22" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderTemplate_BracedName(t *testing.T) {
	out, err := renderTemplate("${host}:${port}", map[string]string{"host": "10.0.0.1", "port": "22"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "10.0.0.1:22" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderTemplate_DollarEscape(t *testing.T) {
	out, err := renderTemplate("price: $$5", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "price: $5" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderTemplate_MissingNameIsConfigError(t *testing.T) {
	_, err := renderTemplate("$missing", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
}

func TestRenderTemplate_AdjacentIdentifierBoundary(t *testing.T) {
	out, err := renderTemplate("$a-$b", map[string]string{"a": "1", "b": "2"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "1-2" {
		t.Fatalf("got %q", out)
	}
}
