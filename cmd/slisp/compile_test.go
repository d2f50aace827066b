package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Exercises the full AOT pipeline (reader -> compiler -> liveness ->
// codegen.Link -> elfobj.Build -> file) end to end, the way
// internal/elfobj's own tests exercise codegen.Link + elfobj.Build but
// starting from Slisp source text instead of a hand-built ir.Program.
// Actually running the produced executable is an integration concern
// (`slisp compile` then execute the binary on a live Linux/amd64 host),
// not something this unit test attempts.
func TestRunCompileProducesAnElfExecutable(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "prog.slisp")
	require.NoError(t, os.WriteFile(src, []byte(`(defn -main [] (+ 1 2))`), 0o644))

	out := filepath.Join(dir, "prog")
	require.NoError(t, runCompile(src, out, false, false, false))

	bin, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, []byte{0x7f, 'E', 'L', 'F'}, bin[:4])

	info, err := os.Stat(out)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o111, "executable bit must be set")
}

func TestRunCompileWithKeepObjWritesRawCodeAlongside(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "prog.slisp")
	require.NoError(t, os.WriteFile(src, []byte(`(defn -main [] 42)`), 0o644))

	out := filepath.Join(dir, "prog")
	require.NoError(t, runCompile(src, out, false, false, true))

	_, err := os.Stat(out + ".obj")
	require.NoError(t, err)
}

func TestRunCompileRejectsProgramWithoutMain(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "prog.slisp")
	require.NoError(t, os.WriteFile(src, []byte(`(defn add [x y] (+ x y))`), 0o644))

	err := runCompile(src, filepath.Join(dir, "prog"), false, false, false)
	require.Error(t, err)
}

func TestRunCompileWithTraceAllocLinksTelemetryHelper(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "prog.slisp")
	require.NoError(t, os.WriteFile(src, []byte(`(defn -main [] (str "hi"))`), 0o644))

	out := filepath.Join(dir, "prog")
	require.NoError(t, runCompile(src, out, true, false, false))

	bin, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, []byte{0x7f, 'E', 'L', 'F'}, bin[:4])
}
