// graph.go
//
// The object runtime core for the osysHome automation server
// Copyright (c) 2026 the objectd authors
//
// This file is part of objectd.
// objectd is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later version.
// objectd is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
// without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU Affero General Public License for more details.
// You should have received a copy of the GNU Affero General Public License along with objectd.
// If not, see <https://www.gnu.org/licenses/>.

package models

import (
	"time"

	"gorm.io/datatypes"
)

// Class is a node in the single-parent inheritance tree. Property and
// method definitions attached to a class are inherited by its subclasses
// and by every object instantiating it.
type Class struct {
	ID          uint64  `gorm:"primaryKey;autoIncrement"`
	Name        string  `gorm:"uniqueIndex;size:255;not null"`
	Description string  `gorm:"size:512"`
	ParentID    *uint64 `gorm:"index"`
	Template    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Object is an instance in the object graph. Its effective property and
// method sets are the union of its own definitions and those of its
// ancestor classes, own definitions winning on name collision.
type Object struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"uniqueIndex;size:255;not null"`
	Description string `gorm:"size:512"`
	ClassID     *uint64 `gorm:"index"`
	Template    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Property value kinds. The column value selects the codec tag.
const (
	KindEmpty    = ""
	KindStr      = "str"
	KindInt      = "int"
	KindFloat    = "float"
	KindDatetime = "datetime"
	KindDict     = "dict"
	KindList     = "list"
	KindBool     = "bool"
)

// Property is a typed slot definition owned by exactly one class or one
// object. HistoryDays controls historization: >0 keep a rolling window,
// 0 never historize, <0 historize only on explicit caller request.
// MethodID optionally binds a method fired on mutation.
type Property struct {
	ID          uint64  `gorm:"primaryKey;autoIncrement"`
	Name        string  `gorm:"size:255;not null;index"`
	Description string  `gorm:"size:512"`
	ClassID     *uint64 `gorm:"index"`
	ObjectID    *uint64 `gorm:"index"`
	Type        string  `gorm:"size:32"`
	HistoryDays int
	MethodID    *uint64
	Params      datatypes.JSON `gorm:"type:json"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CallParent composition tags, see Method.
const (
	CallParentAppend     = -1 // append after inherited fragments (default)
	CallParentReplace    = 0  // discard inherited fragments
	CallParentInsertLast = 1  // insert immediately before the last fragment
)

// Method is a scripted code fragment owned by a class or an object.
// Fragments with the same name along an inheritance chain compose into a
// single call chain according to CallParent; nil behaves as append.
type Method struct {
	ID          uint64  `gorm:"primaryKey;autoIncrement"`
	Name        string  `gorm:"size:255;not null;index"`
	Description string  `gorm:"size:512"`
	ClassID     *uint64 `gorm:"index"`
	ObjectID    *uint64 `gorm:"index"`
	Code        string  `gorm:"type:text"`
	CallParent  *int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Class) TableName() string    { return "classes" }
func (Object) TableName() string   { return "objects" }
func (Property) TableName() string { return "properties" }
func (Method) TableName() string   { return "methods" }
