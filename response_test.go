package cell

import (
	"reflect"
	"testing"
)

func TestResponseSkipsEmptyMessages(t *testing.T) {
	r := NewResponse()
	r.AddMessage("")
	r.AddMessage("hello")
	r.AddMessage("")

	got := r.Export()
	if !reflect.DeepEqual(got.Messages, []string{"hello"}) {
		t.Errorf("messages = %v", got.Messages)
	}
}

func TestResponseDataAccumulatesOnRepeatedID(t *testing.T) {
	r := NewResponse()
	r.AddData("results", map[string]any{"page": 1})
	r.AddData("results", map[string]any{"page": 2})
	r.AddData("results", map[string]any{"page": 3})

	got := r.Export().Data["results"]
	list, ok := got.([]any)
	if !ok || len(list) != 3 {
		t.Fatalf("results = %#v, want a 3-item list", got)
	}
}

func TestResponseAutoKeys(t *testing.T) {
	r := NewResponse()
	r.AddData("", "first")
	r.AddData("", "second")
	r.AddReference("", Reference{Location: "https://x.com", Type: "web"})

	export := r.Export()
	if export.Data["0"] != "first" || export.Data["1"] != "second" {
		t.Errorf("data = %+v", export.Data)
	}
	if _, ok := export.References["2"]; !ok {
		t.Errorf("references = %+v", export.References)
	}
}

func TestResponseExportOmitsEmptyMaps(t *testing.T) {
	r := NewResponse()
	r.AddMessage("just text")

	got := r.Export()
	if got.Data != nil || got.References != nil {
		t.Errorf("export = %+v, want nil data and references", got)
	}
}
