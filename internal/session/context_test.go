package session

import "testing"

func TestContextActive(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want bool
	}{
		{"signed in", Context{Name: "main", OwnerID: "u1", Token: "tok"}, true},
		{"signed out", Context{Name: "main"}, false},
		{"zero", Context{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.Active(); got != tt.want {
				t.Errorf("Active() = %v, want %v", got, tt.want)
			}
		})
	}
}
