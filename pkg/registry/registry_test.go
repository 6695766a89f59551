package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(c <-chan []byte) []string {
	var out []string
	for {
		select {
		case b, ok := <-c:
			if !ok {
				return out
			}
			out = append(out, string(b))
		default:
			return out
		}
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	r := New(8)
	h, err := r.Register("c1")
	require.NoError(t, err)

	un1, err := r.Subscribe("c1", 7)
	require.NoError(t, err)
	un2, err := r.Subscribe("c1", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Subscribers(7))

	assert.Equal(t, 1, r.Publish(7, []byte("a")))
	assert.Equal(t, []string{"a"}, drain(h.C))

	un1()
	un2()
	r.Unsubscribe("c1", 7)
	assert.Equal(t, 0, r.Subscribers(7))
	assert.Equal(t, 0, r.Publish(7, []byte("b")))
}

func TestRegisterTwiceFails(t *testing.T) {
	r := New(1)
	_, err := r.Register("c1")
	require.NoError(t, err)
	_, err = r.Register("c1")
	assert.True(t, errors.Is(err, errors.AlreadyExists))

	_, err = r.Subscribe("ghost", 1)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	r := New(64)
	a, _ := r.Register("a")
	b, _ := r.Register("b")
	_, _ = r.Subscribe("a", 1)
	_, _ = r.Subscribe("b", 1)
	_, _ = r.Subscribe("b", 2)

	var want []string
	for i := 0; i < 10; i++ {
		msg := fmt.Sprintf("m%d", i)
		want = append(want, msg)
		r.Publish(1, []byte(msg))
	}
	r.Publish(2, []byte("other"))
	assert.Equal(t, want, drain(a.C))
	assert.Equal(t, append(want, "other"), drain(b.C))
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	r := New(2)
	var evicted []string
	r.OnEvict = func(id string) { evicted = append(evicted, id) }

	slow, _ := r.Register("slow")
	fast, _ := r.Register("fast")
	_, _ = r.Subscribe("slow", 1)
	_, _ = r.Subscribe("fast", 1)

	r.Publish(1, []byte("1"))
	r.Publish(1, []byte("2"))
	drain(fast.C)
	r.Publish(1, []byte("3"))

	assert.Equal(t, []string{"slow"}, evicted)
	assert.True(t, slow.Evicted())
	assert.False(t, fast.Evicted())
	assert.Equal(t, []string{"1", "2"}, drain(slow.C))
	_, open := <-slow.C
	assert.False(t, open)
	assert.Equal(t, 1, r.Subscribers(1))
	assert.Equal(t, []string{"3"}, drain(fast.C))
}

func TestDropConnectionRemovesEverything(t *testing.T) {
	r := New(4)
	h, _ := r.Register("c1")
	for ch := int64(1); ch <= 3; ch++ {
		_, err := r.Subscribe("c1", ch)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3}, r.Channels("c1"))

	r.DropConnection("c1")
	for ch := int64(1); ch <= 3; ch++ {
		assert.Equal(t, 0, r.Subscribers(ch))
	}
	assert.Equal(t, 0, r.Connections())
	assert.False(t, h.Evicted())
	_, open := <-h.C
	assert.False(t, open)

	r.DropConnection("c1")
	_, err := r.Subscribe("c1", 1)
	assert.Error(t, err)
}

func TestConcurrentPublishAndDrop(t *testing.T) {
	r := New(DefaultQueueSize)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("c%d", i)
		h, err := r.Register(id)
		require.NoError(t, err)
		_, err = r.Subscribe(id, 1)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range h.C {
			}
		}()
	}
	var pub sync.WaitGroup
	pub.Add(1)
	go func() {
		defer pub.Done()
		for i := 0; i < 500; i++ {
			r.Publish(1, []byte("x"))
		}
	}()
	for i := 0; i < 20; i++ {
		r.DropConnection(fmt.Sprintf("c%d", i))
	}
	pub.Wait()
	wg.Wait()
	assert.Equal(t, 0, r.Subscribers(1))
}

func TestSendTo(t *testing.T) {
	r := New(1)
	h, _ := r.Register("c1")
	assert.True(t, r.SendTo("c1", []byte("a")))
	assert.False(t, r.SendTo("c1", []byte("b")))
	assert.True(t, h.Evicted())
	assert.False(t, r.SendTo("nobody", []byte("c")))
}
