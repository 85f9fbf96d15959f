// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/screenlab/screenassoc"

func main() {
	screenassoc.Main()
}
