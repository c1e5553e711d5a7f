package dto

import (
	"fmt"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"shift-scheduler/backend/internal/shift"
)

// RegisterValidators 在 gin 的校验引擎上注册自定义标签：
//   - datekey: YYYY-MM-DD
//   - month:   YYYY-MM
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("gin 校验引擎不是 validator/v10")
	}
	if err := v.RegisterValidation("datekey", validateDateKey); err != nil {
		return err
	}
	return v.RegisterValidation("month", validateMonth)
}

func validateDateKey(fl validator.FieldLevel) bool {
	return shift.IsDateKey(fl.Field().String())
}

func validateMonth(fl validator.FieldLevel) bool {
	_, err := shift.MonthRange(fl.Field().String())
	return err == nil
}
