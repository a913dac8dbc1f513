// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

import (
	"errors"
)

var (
	ErrInvalidContent  = errors.New("invalid message content")
	ErrContentConflict = errors.New("message already has different content")
	ErrInvalidRecall   = errors.New("invalid recall")
	ErrNotOrderable    = errors.New("message has no sort key")
)
