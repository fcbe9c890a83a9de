package oracle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandom(t *testing.T) {
	t.Run("should answer from the choice list", func(t *testing.T) {
		o := NewRandom(7)
		choices := []string{"yes", "no", "maybe"}
		for i := 0; i < 50; i++ {
			a, err := o.Answer(context.Background(), ImageRegion{}, "p", choices)
			require.NoError(t, err)
			assert.Contains(t, choices, a)
		}
	})

	t.Run("should repeat answers for the same seed", func(t *testing.T) {
		choices := []string{"a", "b", "c", "d"}
		first := NewRandom(42)
		second := NewRandom(42)
		for i := 0; i < 20; i++ {
			a, _ := first.Answer(context.Background(), ImageRegion{}, "p", choices)
			b, _ := second.Answer(context.Background(), ImageRegion{}, "p", choices)
			assert.Equal(t, a, b)
		}
	})

	t.Run("should answer off list at rate one", func(t *testing.T) {
		o := NewRandom(1)
		o.OffListRate = 1
		a, err := o.Answer(context.Background(), ImageRegion{}, "p", []string{"yes"})
		require.NoError(t, err)
		assert.Equal(t, "none of the above", a)
	})
}

func TestScripted(t *testing.T) {
	t.Run("should replay and then repeat the last answer", func(t *testing.T) {
		o := &Scripted{Answers: []string{"one", "two"}}
		for _, want := range []string{"one", "two", "two", "two"} {
			a, err := o.Answer(context.Background(), ImageRegion{}, "p", nil)
			require.NoError(t, err)
			assert.Equal(t, want, a)
		}
		assert.Equal(t, 4, o.Calls)
	})
}

func TestHTTPOracle(t *testing.T) {
	img := ImageRegion{
		Width:  2,
		Height: 1,
		Bands:  [][]float64{{10, 20}, {30, 40}, {50, 300}},
	}

	t.Run("should post the encoded tile and return the answer", func(t *testing.T) {
		var got answerRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			json.NewEncoder(w).Encode(answerResponse{Answer: "yes"})
		}))
		defer srv.Close()

		o := NewHTTP(srv.URL, time.Second)
		a, err := o.Answer(context.Background(), img, "Question: q Answer: ", []string{"yes", "no"})
		require.NoError(t, err)
		assert.Equal(t, "yes", a)

		assert.Equal(t, 2, got.Width)
		assert.Equal(t, 1, got.Height)
		assert.Equal(t, "Question: q Answer: ", got.Prompt)
		raw, err := base64.StdEncoding.DecodeString(got.Image)
		require.NoError(t, err)
		// Band-sequential bytes, clamped to the byte range.
		assert.Equal(t, []byte{10, 20, 30, 40, 50, 255}, raw)
	})

	t.Run("should surface a non-200 as an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		o := NewHTTP(srv.URL, time.Second)
		_, err := o.Answer(context.Background(), img, "p", nil)
		assert.Error(t, err)
	})

	t.Run("should trip the breaker after repeated failures", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		o := NewHTTP(srv.URL, time.Second)
		for i := 0; i < 5; i++ {
			_, err := o.Answer(context.Background(), img, "p", nil)
			require.Error(t, err)
		}
		_, err := o.Answer(context.Background(), img, "p", nil)
		assert.ErrorContains(t, err, "circuit breaker")
	})
}
