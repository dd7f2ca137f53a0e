// Copyright 2024 The scg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symtab

import (
	"fmt"
	"os"
)

var debugEnabled = os.Getenv("SCG_DEBUG") != ""

// debugf reports symbol loading progress on stderr when SCG_DEBUG is
// set. Never called from the sampling path.
func debugf(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	fmt.Fprintf(os.Stderr, "scg: "+format+"\n", args...)
}
