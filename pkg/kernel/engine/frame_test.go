package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/engine"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
)

var (
	stepTpl = &schema.Node{Step: "s"}
	flowTpl = &schema.Node{Flow: schema.FlowBlock}
)

func TestFrameEmpty(t *testing.T) {
	f := engine.NewFrame()

	_, err := f.PopStep()
	assert.ErrorIs(t, err, engine.ErrEmptyStack)
	_, err = f.PopFlow()
	assert.ErrorIs(t, err, engine.ErrEmptyStack)
	_, err = f.CurrentStep()
	assert.ErrorIs(t, err, engine.ErrNoActiveFrame)
	_, err = f.CurrentFlow()
	assert.ErrorIs(t, err, engine.ErrNoActiveFrame)
	assert.Nil(t, f.Active())
	assert.True(t, f.Empty())
}

func TestFrameScopeLinkage(t *testing.T) {
	f := engine.NewFrame()

	s1 := f.PushStep(stepTpl)
	f1 := f.PushFlow(flowTpl)
	assert.False(t, dict.Same(s1.Locals, f1.Locals), "outermost flow gets a fresh scope")

	s2 := f.PushStep(stepTpl)
	assert.True(t, dict.Same(f1.Locals, s2.Locals), "step shares its flow's scope")
	_, err := f.PopStep()
	require.NoError(t, err)

	s3 := f.PushStep(stepTpl)
	assert.True(t, dict.Same(f1.Locals, s3.Locals))
	s3.Locals["x"] = 1
	assert.Equal(t, 1, f1.Locals["x"], "sibling steps write into the flow scope")
	_, err = f.PopStep()
	require.NoError(t, err)

	f2 := f.PushFlow(flowTpl)
	assert.False(t, dict.Same(f1.Locals, f2.Locals), "nested flow copies on entry")
	assert.Equal(t, 1, f2.Locals["x"], "copy carries bindings made before entry")

	s4 := f.PushStep(stepTpl)
	assert.True(t, dict.Same(f2.Locals, s4.Locals))
	s4.Locals["y"] = 2
	assert.NotContains(t, f1.Locals, "y", "inner bindings do not leak to the parent")

	_, err = f.PopStep()
	require.NoError(t, err)
	_, err = f.PopFlow()
	require.NoError(t, err)

	f3 := f.PushFlow(flowTpl)
	assert.Contains(t, f3.Locals, "x")
	assert.NotContains(t, f3.Locals, "y", "sibling flow does not see a popped flow's bindings")
}

func TestFrameCopyIsShallow(t *testing.T) {
	f := engine.NewFrame()
	outer := f.PushFlow(flowTpl)
	nested := dict.Dict{"n": 1}
	outer.Locals["nested"] = nested

	inner := f.PushFlow(flowTpl)
	inner.Locals["nested"].(dict.Dict)["n"] = 2
	assert.Equal(t, 2, nested["n"])
}

func TestFramePushPopRoundTrip(t *testing.T) {
	f := engine.NewFrame()
	ops := []string{"s", "f", "s", "pop-s", "f", "f", "s", "pop-s", "pop-f", "s", "pop-s", "pop-f"}

	type state struct{ step, flow *engine.Node }
	var history []state
	current := func() state {
		s, _ := f.CurrentStep()
		fl, _ := f.CurrentFlow()
		return state{s, fl}
	}

	for _, op := range ops {
		switch op {
		case "s":
			history = append(history, current())
			n := f.PushStep(stepTpl)
			got, err := f.CurrentStep()
			require.NoError(t, err)
			assert.Same(t, n, got)
			assert.Same(t, n, f.Active())
		case "f":
			history = append(history, current())
			n := f.PushFlow(flowTpl)
			got, err := f.CurrentFlow()
			require.NoError(t, err)
			assert.Same(t, n, got)
			assert.Same(t, n, f.Active())
		case "pop-s":
			_, err := f.PopStep()
			require.NoError(t, err)
			assert.Equal(t, history[len(history)-1], current())
			history = history[:len(history)-1]
		case "pop-f":
			_, err := f.PopFlow()
			require.NoError(t, err)
			assert.Equal(t, history[len(history)-1], current())
			history = history[:len(history)-1]
		}
	}
}

func TestFrameActiveUnwindSnapshot(t *testing.T) {
	f := engine.NewFrame()
	s1 := f.PushStep(stepTpl)
	f1 := f.PushFlow(flowTpl)
	depth := f.Depth()
	s2 := f.PushStep(stepTpl)
	f2 := f.PushFlow(flowTpl)
	assert.Same(t, f2, f.Active())

	assert.Equal(t, []*engine.Node{s1, f1, s2, f2}, f.Snapshot())

	f.Unwind(depth)
	assert.Equal(t, engine.Depth{Steps: 1, Flows: 1}, f.Depth())
	assert.Same(t, f1, f.Active())

	f.Unwind(engine.Depth{})
	assert.True(t, f.Empty())
}
