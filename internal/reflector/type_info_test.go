package reflector

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type deposited struct {
	Amount int
}

const depositedName = "github.com/codewandler/evsrc/internal/reflector.deposited"

func TestTypeInfoOf(t *testing.T) {
	for _, v := range []any{deposited{}, &deposited{}} {
		ti := TypeInfoOf(v)
		require.Equal(t, depositedName, ti.Name)
		require.Equal(t, reflect.Struct, ti.Type.Kind())
	}
}

func TestTypeInfoFor(t *testing.T) {
	require.Equal(t, TypeInfoFor[deposited](), TypeInfoFor[*deposited]())
	require.Equal(t, TypeInfoFor[deposited](), TypeInfoFor[**deposited]())
	require.Equal(t, depositedName, TypeInfoFor[deposited]().Name)
}

func TestTypeInfo_New(t *testing.T) {
	v := TypeInfoOf(&deposited{Amount: 3}).New()
	require.Equal(t, &deposited{}, v)
}

func TestTypeInfoOf_nil(t *testing.T) {
	require.True(t, TypeInfoOf(nil).IsZero())
	require.False(t, TypeInfoOf(1).IsZero())
	require.Equal(t, ".int", TypeInfoOf(1).Name)
}

func TestTypeInfo_concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.Equal(t, depositedName, TypeInfoOf(&deposited{}).Name)
		}()
	}
	wg.Wait()
}
