package fluid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type MockModule struct {
	installed bool
}

func (m *MockModule) Install(app *App, commands *Commands) {
	m.installed = true
}

// resourceModule queues a resource and reads it back in a later module.
type resourceModule struct {
	name string
}

func (m resourceModule) Install(app *App, commands *Commands) {
	commands.AddResources(NewMockResource1(m.name))
}

type readerModule struct {
	seen *string
}

func (m readerModule) Install(app *App, commands *Commands) {
	if r, ok := Resource[MockResource1](app); ok {
		*m.seen = r.name
	}
}

func TestAppBuilder_Stateless(t *testing.T) {
	builder := NewAppBuilder()
	app := builder.Build()

	assert.False(t, app.stateful)
	assert.Equal(t, State(0), app.initialState)
	assert.Equal(t, State(0), app.finalState)
	assert.Equal(t, []string{"Prelude", "PreUpdate", "Update", "PostUpdate", "Finale"}, app.Stages())
}

func TestAppBuilder_UseStates(t *testing.T) {
	builder := NewAppBuilder()
	builder.UseStates(1, 10)

	app := builder.Build()

	assert.True(t, app.stateful)
	assert.Equal(t, State(1), app.initialState)
	assert.Equal(t, State(10), app.finalState)
	assert.Len(t, app.systems[Update.Name], 10)
}

func TestAppBuilder_UseModule(t *testing.T) {
	builder := NewAppBuilder()
	mockModule := &MockModule{}
	builder.UseModule(mockModule)

	assert.Len(t, builder.modules, 1)
}

func TestAppBuilder_Build_WithMultipleModules(t *testing.T) {
	module1 := &MockModule{}
	module2 := &MockModule{}

	builder := NewAppBuilder()
	builder.UseModule(module1)
	builder.UseModule(module2)

	builder.Build()

	assert.Len(t, builder.modules, 2)
	assert.True(t, module1.installed, "Expected Install to be called on the module 1")
	assert.True(t, module2.installed, "Expected Install to be called on the module 2")
}

func TestAppBuilder_ResourcesVisibleToLaterModules(t *testing.T) {
	var seen string
	NewAppBuilder().
		UseModule(resourceModule{name: "first"}, readerModule{seen: &seen}).
		Build()

	assert.Equal(t, "first", seen)
}
