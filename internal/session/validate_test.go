package session

import "testing"

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "clinic42", false},
		{"valid with hyphen", "front-desk", false},
		{"valid with underscore", "dr_smith", false},
		{"valid single char", "a", false},
		{"valid max length", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", true},
		{"leading hyphen", "-main", true},
		{"uppercase", "Main", true},
		{"space", "my session", true},
		{"dot", "my.session", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"slash", "my/session", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("PORTALCHAT_HOME", t.TempDir())

	t.Setenv("PORTALCHAT_SESSION", "")
	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultSessionName)
	}

	t.Setenv("PORTALCHAT_SESSION", "clinic")
	if got := Resolve(""); got != "clinic" {
		t.Errorf("Resolve() with env = %q, want clinic", got)
	}
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q, want flag", got)
	}
}
