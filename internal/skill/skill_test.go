package skill

import "testing"

func TestResolveSubstitutesParams(t *testing.T) {
	got := Resolve("hello {name}, you are {age}", map[string]string{"name": "ada", "age": "36"})
	want := "hello ada, you are 36"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveMissingParamIsEmptyString(t *testing.T) {
	got := Resolve("hello {name}!", map[string]string{})
	want := "hello !"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveLiteralNoPrintfSemantics(t *testing.T) {
	got := Resolve("100%% done {x}", map[string]string{"x": "y"})
	want := "100%% done y"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveUnterminatedBraceIsLiteral(t *testing.T) {
	got := Resolve("broken {oops", map[string]string{"oops": "should not appear"})
	want := "broken {oops"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
