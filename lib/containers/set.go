// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

// Set[T] is an unordered set of T, used by the red-black tree's
// randomized test to track which keys have been inserted.
type Set[T comparable] map[T]struct{}

func (o Set[T]) Insert(v T) {
	o[v] = struct{}{}
}
