// Package core provides core types used throughout EntityDB.
//
// The package defines the data model shared by every layer: schemas and
// their properties, immutable changes, change sets and their elements,
// commits, versions and the rows of the state cache.
//
// # Identity
//
// Identity identifies the author of persisted transactions (Git commit author):
//
//	identity := core.Identity{
//	    Name:  "John Doe",
//	    Email: "john@example.com",
//	}
//
// # Property Types
//
// Supported property types:
//   - StringType
//   - NumberType, IntegerType
//   - BooleanType
//   - ObjectType, ArrayType
//
// # Schema Definition
//
//	schema := core.Schema{
//	    Key:     "user",
//	    Version: "1.0",
//	    Properties: map[string]core.Property{
//	        "id":   {Type: core.StringType, DefaultFn: "uuid_v7"},
//	        "name": {Type: core.StringType},
//	    },
//	    PrimaryKey: []string{"/id"},
//	}
//
// # Well-known Versions
//
// GlobalVersionID names the root version that holds cross-version metadata.
// MainVersionID names the default working version, which inherits from global.
package core
