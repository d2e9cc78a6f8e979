//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Night Lights", Description: "kitchen at dusk", Enabled: true},
		LuaCode: `plugwise.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "night_lights" {
		t.Errorf("id = %q, want night_lights", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `plugwise.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}

	saved.LuaCode = `plugwise.log("v2")`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}
	got, _ = m.Get("night_lights")
	if !strings.Contains(got.LuaCode, "v2") {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerListSortedAndSkipsBroken(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(m.dir, "broken.lua"), []byte("-- {not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "alpha,beta,gamma" {
		t.Errorf("ids = %v", ids)
	}
}

func TestManagerDeleteAndNotFound(t *testing.T) {
	m := newTestManager(t)
	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "gone"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete err = %v", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestManagerRejectsPathIDs(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"..", "../etc/passwd", `a\b`, "x/y"} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Get(%q) err = %v", id, err)
		}
		if _, err := m.Save(&Script{ID: id}); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Save(%q) err = %v", id, err)
		}
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)
	s1, _ := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	s2, _ := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	s3, _ := m.Save(&Script{Meta: ScriptMeta{Name: "!!!"}})
	if s1.ID != "dup" || s2.ID != "dup_1" {
		t.Errorf("ids = %q %q", s1.ID, s2.ID)
	}
	if s3.ID != "script" {
		t.Errorf("fallback id = %q", s3.ID)
	}
}

func TestDecodeScript(t *testing.T) {
	content := `-- {"name":"Standby killer","enabled":true}

plugwise.on("power_usage", {mac="000D6F0001234567"}, function(event)
    plugwise.switch(event.mac, false)
end)
`
	s, err := decodeScript(content)
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "Standby killer" || !s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if !strings.HasPrefix(s.LuaCode, `plugwise.on("power_usage"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}

	bare, err := decodeScript("plugwise.log('x')\n")
	if err != nil {
		t.Fatal(err)
	}
	if bare.Meta.Enabled || bare.LuaCode != "plugwise.log('x')\n" {
		t.Errorf("headerless script = %+v", bare)
	}

	if _, err := decodeScript("-- {\"enabled\": tru\n"); err == nil {
		t.Error("expected metadata error")
	}
}

func TestEncodeScript(t *testing.T) {
	content := encodeScript(&Script{Meta: ScriptMeta{Name: "T", Enabled: true}, LuaCode: `plugwise.log("hi")`})
	want := "-- {\"name\":\"T\",\"enabled\":true}\n\nplugwise.log(\"hi\")\n"
	if content != want {
		t.Errorf("encoded = %q, want %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Bathroom Light", "bathroom_light"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"Circle+ 3", "circle_3"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
