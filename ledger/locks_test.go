package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockIDs(t *testing.T) {
	tests := []struct {
		name string
		ids  []AccountID
		want []int
	}{
		{"single", []AccountID{5}, []int{5}},
		{"sorted", []AccountID{9, 3}, []int{3, 9}},
		{"same account twice", []AccountID{7, 7}, []int{7}},
		{"same stripe", []AccountID{1, 1 + lockStripes}, []int{1}},
		{"wraps", []AccountID{lockStripes + 2, 1}, []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lockIDs(tt.ids...))
		})
	}
}

func TestLockTable_OppositeOrderDoesNotDeadlock(t *testing.T) {
	var table lockTable
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := table.lock(1, 2)
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := table.lock(2, 1)
			unlock()
		}()
	}
	wg.Wait()
}
