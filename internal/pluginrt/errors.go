// Copyright 2025 James Ross
package pluginrt

import "errors"

var (
	ErrPluginNotFound        = errors.New("pluginrt: plugin not found")
	ErrFunctionNotExported   = errors.New("pluginrt: function not exported")
	ErrPluginExecutionFailed = errors.New("pluginrt: plugin execution failed")
	ErrSandboxUnavailable    = errors.New("pluginrt: sandbox backend unavailable")
)
