// Package osevent provides the auto-reset OS wait object that fences signal when a blocking wait
// is armed.
package osevent

import "github.com/vkngwrapper/gpustage/driver"

var _ driver.Event = &Event{}
