package config

import "testing"

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing input", Config{Format: "plain"}, true},
		{"bad format", Config{InputPath: "a.asm", Format: "zip"}, true},
		{"bad verbosity", Config{InputPath: "a.asm", Format: "plain", Verbosity: 9}, true},
		{"valid", Config{InputPath: "a.asm", Format: "hex", Verbosity: 2}, false},
	}
	for _, c := range cases {
		err := c.cfg.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("%s: got err=%v, wantErr=%v", c.name, err, c.wantErr)
		}
	}
}

func TestDefault(t *testing.T) {
	d := Default()
	if d.Format != "plain" || d.CPU != "6502" {
		t.Errorf("unexpected defaults: %+v", d)
	}
}
