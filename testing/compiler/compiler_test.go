package compiler

import (
	"os"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/icmd"

	"github.com/circleci/disttest/testing/testcontext"
)

func TestCompiler_Compile(t *testing.T) {
	ctx := testcontext.Background()
	c := New()

	binary := ""
	t.Cleanup(func() {
		c.Cleanup()
		_, err := os.Stat(binary)
		assert.Check(t, os.IsNotExist(err))
	})

	assert.Assert(t, t.Run("Compile binary", func(t *testing.T) {
		var err error
		binary, err = c.Compile(ctx, Work{
			Name:        "name",
			Target:      "../..",
			Source:      "./testing/compiler/internal/cmd",
			Environment: []string{"FOO=foo", "BAR=bar"},
		})
		assert.Assert(t, err)
		_, err = os.Stat(binary)
		assert.Check(t, err)
	}))

	t.Run("Run binary", func(t *testing.T) {
		res := icmd.RunCommand(binary, "arg1", "arg2", "arg3")
		assert.Check(t, res.Equal(icmd.Expected{
			Out: "command 1: [arg1 arg2 arg3]",
		}))
	})
}

func TestCompiler_CompileAll(t *testing.T) {
	ctx := testcontext.Background()
	c := New()

	var binary1, binary2 string
	t.Cleanup(func() {
		c.Cleanup()

		_, err := os.Stat(binary1)
		assert.Check(t, os.IsNotExist(err))
		_, err = os.Stat(binary2)
		assert.Check(t, os.IsNotExist(err))
	})

	assert.Assert(t, t.Run("Compile binaries", func(t *testing.T) {
		err := c.CompileAll(ctx,
			Work{
				Result: &binary1,
				Name:   "binary1",
				Target: "../..",
				Source: "./testing/compiler/internal/cmd",
			},
			Work{
				Result: &binary2,
				Name:   "binary2",
				Target: "../..",
				Source: "./testing/compiler/internal/cmd2",
			},
		)
		assert.Check(t, err)
		_, err = os.Stat(binary1)
		assert.Check(t, err)
		_, err = os.Stat(binary2)
		assert.Check(t, err)
	}))

	t.Run("Run binaries", func(t *testing.T) {
		res := icmd.RunCommand(binary1, "arg1", "arg2", "arg3")
		assert.Check(t, res.Equal(icmd.Expected{
			Out: "command 1: [arg1 arg2 arg3]",
		}))

		res = icmd.RunCommand(binary2, "arg1", "arg2", "arg3")
		assert.Check(t, res.Equal(icmd.Expected{
			Out: "command 2: [arg1 arg2 arg3]",
		}))
	})
}

func TestCompiler_Compile_InvalidWork(t *testing.T) {
	ctx := testcontext.Background()
	c := New()
	t.Cleanup(c.Cleanup)

	_, err := c.Compile(ctx, Work{Name: "name", Target: "../.."})
	assert.Check(t, cmp.ErrorContains(err, "work.Source not set"))
}
