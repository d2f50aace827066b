package reader

import (
	"testing"

	"github.com/slisp-lang/slisp/internal/ast"
	"github.com/stretchr/testify/require"
)

func TestReadAllTopLevelForms(t *testing.T) {
	forms, err := ReadAll("t.slisp", []byte(`(defn add [x y] (+ x y)) (defn -main [] (add 3 4))`))
	require.NoError(t, err)
	require.Len(t, forms, 2)
	require.True(t, forms[0].IsForm("defn"))
	require.True(t, forms[1].IsForm("defn"))
}

func TestReadCollectionLiterals(t *testing.T) {
	forms, err := ReadAll("t.slisp", []byte(`[1 2 3] {:a 1 :b 2} #{1 2 3}`))
	require.NoError(t, err)
	require.Len(t, forms, 3)

	vec := forms[0]
	require.Equal(t, ast.NodeVector, vec.Kind)
	require.Len(t, vec.Children, 3)

	m := forms[1]
	require.Equal(t, ast.NodeMap, m.Kind)
	require.Len(t, m.Children, 4)
	require.Equal(t, ast.NodeKeyword, m.Children[0].Kind)
	require.Equal(t, "a", m.Children[0].Str)

	set := forms[2]
	require.Equal(t, ast.NodeSet, set.Kind)
	require.Len(t, set.Children, 3)
}

func TestReadStringEscapes(t *testing.T) {
	forms, err := ReadAll("t.slisp", []byte(`"hello\nworld"`))
	require.NoError(t, err)
	require.Equal(t, "hello\nworld", forms[0].Str)
}

func TestReadNegativeNumberVsSymbol(t *testing.T) {
	forms, err := ReadAll("t.slisp", []byte(`(- 5 -3)`))
	require.NoError(t, err)
	list := forms[0]
	require.Equal(t, ast.NodeSymbol, list.Children[0].Kind)
	require.Equal(t, "-", list.Children[0].Str)
	require.Equal(t, ast.NodeNumber, list.Children[2].Kind)
	require.EqualValues(t, -3, list.Children[2].Num)
}

func TestUnterminatedFormIsError(t *testing.T) {
	_, err := ReadAll("t.slisp", []byte(`(defn -main [] (+ 1 2)`))
	require.Error(t, err)
}
