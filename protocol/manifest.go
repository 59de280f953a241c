package protocol

import (
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var validate = validator.New()

// ValidFiles drops entries that fail validation and keeps the first entry for each duplicated id.
func ValidFiles(files []FileMeta) []FileMeta {
	valid := lo.Filter(files, func(file FileMeta, _ int) bool {
		return validate.Struct(file) == nil
	})
	return lo.UniqBy(valid, func(file FileMeta) string {
		return file.ID
	})
}

// Int64 returns a pointer to v, for optional sizes.
func Int64(v int64) *int64 {
	return &v
}
