package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsSuccessful(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: true},
		{name: "record not found", err: gorm.ErrRecordNotFound, want: true},
		{name: "lost compare-and-set", err: fmt.Errorf("draft no longer held: %w", ErrNoRowsAffected), want: true},
		{name: "unique conflict", err: fmt.Errorf("create draft: %w", gorm.ErrDuplicatedKey), want: true},
		{name: "connection failure", err: errors.New("dial tcp: connection refused"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSuccessful(tt.err))
		})
	}
}
