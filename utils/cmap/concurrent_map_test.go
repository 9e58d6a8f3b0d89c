package cmap

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetGet(t *testing.T) {
	m := New[int]()
	m.Set(`a`, 1)
	v, ok := m.Get(`a`)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = m.Get(`missing`)
	assert.False(t, ok)
}

func TestSetIfAbsent(t *testing.T) {
	m := New[string]()
	assert.True(t, m.SetIfAbsent(`k`, `first`))
	assert.False(t, m.SetIfAbsent(`k`, `second`))
	v, _ := m.Get(`k`)
	assert.Equal(t, `first`, v)
}

func TestPop(t *testing.T) {
	m := New[int]()
	m.Set(`k`, 42)
	v, ok := m.Pop(`k`)
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	_, ok = m.Pop(`k`)
	assert.False(t, ok)
}

func TestRemoveMany(t *testing.T) {
	m := New[int]()
	for i := 0; i < 10; i++ {
		m.Set(strconv.Itoa(i), i)
	}
	m.Remove(`1`, `3`, `5`)
	assert.Equal(t, 7, m.Count())
}

func TestIterCbEarlyExit(t *testing.T) {
	m := New[int]()
	for i := 0; i < 100; i++ {
		m.Set(strconv.Itoa(i), i)
	}
	visited := 0
	m.IterCb(func(key string, v int) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}

func TestClear(t *testing.T) {
	m := New[int]()
	m.Set(`a`, 1)
	m.Set(`b`, 2)
	assert.Equal(t, 2, m.Clear())
	assert.Equal(t, 0, m.Count())
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := strconv.Itoa(g*200 + i)
				m.Set(key, i)
				m.Get(key)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 1600, m.Count())
}
