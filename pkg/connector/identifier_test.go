package connector

import "testing"

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain", "kontrahenci", false},
		{"with schema", "dbo.kontrahenci", false},
		{"underscore", "tax_id", false},
		{"empty", "", true},
		{"semicolon", "x; DROP TABLE users", true},
		{"quote", `name"`, true},
		{"comment", "name--", true},
		{"spaces", "first name", true},
		{"classic injection", "1' OR '1'='1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentifiers_ReportsFieldErrors(t *testing.T) {
	err := ValidateIdentifiers("dbo.suppliers", []string{"branch", "code"}, []string{"name", "bad field"})
	if err == nil {
		t.Fatal("expected error for unsafe field name")
	}

	if err := ValidateIdentifiers("dbo.suppliers", []string{"branch"}, []string{"name"}); err != nil {
		t.Fatalf("expected safe identifiers to pass, got %v", err)
	}
}
