package keylock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweepdl/sweepdl/internal/keylock"
)

func TestAcquireRelease(t *testing.T) {
	t.Run("acquires a free key", func(t *testing.T) {
		r := keylock.NewRegistry()
		require.NoError(t, r.Acquire("multi"))
		assert.Equal(t, 1, r.Len())

		r.Release("multi")
		assert.Equal(t, 0, r.Len())
	})

	t.Run("key is removed from registry on release", func(t *testing.T) {
		r := keylock.NewRegistry()
		require.NoError(t, r.Acquire("group"))
		r.Release("group")

		// Reacquire works because the entry is gone
		require.NoError(t, r.Acquire("group"))
		r.Release("group")
	})

	t.Run("independent keys do not block each other", func(t *testing.T) {
		r := keylock.NewRegistry(keylock.WithTimeout(10 * time.Millisecond))
		require.NoError(t, r.Acquire("a"))
		require.NoError(t, r.Acquire("b"))
		assert.Equal(t, 2, r.Len())

		r.Release("a")
		r.Release("b")
	})

	t.Run("second acquire on held key reports already locked", func(t *testing.T) {
		r := keylock.NewRegistry(keylock.WithTimeout(20 * time.Millisecond))
		require.NoError(t, r.Acquire("held"))

		err := r.Acquire("held")
		require.ErrorIs(t, err, keylock.ErrAlreadyLocked)

		// The failed attempt must not leak a registry entry
		r.Release("held")
		assert.Equal(t, 0, r.Len())
	})

	t.Run("release of unknown key is a no-op", func(t *testing.T) {
		r := keylock.NewRegistry()
		r.Release("never-acquired")
		assert.Equal(t, 0, r.Len())
	})
}

func TestMutualExclusion(t *testing.T) {
	t.Run("exactly one of two concurrent attempts wins", func(t *testing.T) {
		r := keylock.NewRegistry(keylock.WithTimeout(50 * time.Millisecond))

		const attempts = 2
		results := make(chan error, attempts)
		start := make(chan struct{})

		var wg sync.WaitGroup
		for range attempts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := r.Acquire("contested")
				results <- err
				if err == nil {
					// Hold long enough that the loser times out
					time.Sleep(100 * time.Millisecond)
					r.Release("contested")
				}
			}()
		}

		close(start)
		wg.Wait()
		close(results)

		var wins, losses int
		for err := range results {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, keylock.ErrAlreadyLocked)
				losses++
			}
		}

		assert.Equal(t, 1, wins)
		assert.Equal(t, 1, losses)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("many goroutines never hold the same key at once", func(t *testing.T) {
		r := keylock.NewRegistry(keylock.WithTimeout(time.Millisecond))

		var mu sync.Mutex
		holders := 0
		maxHolders := 0

		var wg sync.WaitGroup
		for range 32 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if r.Acquire("shared") != nil {
					return
				}
				mu.Lock()
				holders++
				if holders > maxHolders {
					maxHolders = holders
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				holders--
				mu.Unlock()
				r.Release("shared")
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, maxHolders)
		assert.Equal(t, 0, r.Len())
	})
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain name unchanged", "multi", "multi"},
		{"dots and underscores kept", "Show.Name_2021", "Show.Name_2021"},
		{"spaces replaced", "my archive", "my_archive"},
		{"special characters replaced", "a/b:c*d", "a_b_c_d"},
		{"trailing whitespace trimmed", "name  ", "name"},
		{"unicode replaced", "café", "caf_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keylock.Sanitize(tt.input))
		})
	}

	t.Run("output only contains safe characters", func(t *testing.T) {
		faker := gofakeit.New(11)

		for range 200 {
			input := faker.Sentence(4)
			got := keylock.Sanitize(input)

			for _, r := range got {
				safe := r == '.' || r == '_' ||
					(r >= 'a' && r <= 'z') ||
					(r >= 'A' && r <= 'Z') ||
					(r >= '0' && r <= '9')
				require.Truef(t, safe, "unsafe rune %q in %q (from %q)", r, got, input)
			}
		}
	})
}
