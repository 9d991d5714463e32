package store

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"insight-service/internal/models"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs the struct tags and converts failures into a ValidationError
func (s *Store) validateStruct(entity models.EntityType, v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return models.NewValidationError(entity, "payload", err.Error())
	}

	ve := &models.ValidationError{Entity: entity}
	for _, fe := range verrs {
		ve.Fields = append(ve.Fields, models.FieldError{
			Field:   fieldPath(fe),
			Message: describe(fe),
		})
	}
	return ve
}

// fieldPath drops the root struct name from the namespace: Workflow.trigger.kind -> trigger.kind
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "email":
		return "must be a valid email address"
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}

// validateCustomer checks a customer against the struct tags
func (s *Store) validateCustomer(c models.Customer) error {
	return s.validateStruct(models.EntityTypeCustomer, c)
}

// validateProduct checks a product. A margin that disagrees with price and
// cost is reported as a warning, not an error.
func (s *Store) validateProduct(p models.Product) (warnings []string, err error) {
	if err := s.validateStruct(models.EntityTypeProduct, p); err != nil {
		return nil, err
	}
	if !p.MarginConsistent() {
		warnings = append(warnings, fmt.Sprintf("profit_margin %.2f differs from expected %.2f",
			p.ProfitMargin, p.ExpectedProfitMargin()))
	}
	return warnings, nil
}

// validateOrder checks an order and its references. Caller holds the write lock.
func (s *Store) validateOrder(o models.Order) error {
	if err := s.validateStruct(models.EntityTypeOrder, o); err != nil {
		return err
	}
	ve := &models.ValidationError{Entity: models.EntityTypeOrder}
	if _, ok := s.customers[o.CustomerID]; !ok {
		ve.Fields = append(ve.Fields, models.FieldError{Field: "customer_id", Message: "references unknown customer " + o.CustomerID})
	}
	if _, ok := s.products[o.ProductID]; !ok {
		ve.Fields = append(ve.Fields, models.FieldError{Field: "product_id", Message: "references unknown product " + o.ProductID})
	}
	if len(ve.Fields) > 0 {
		return ve
	}
	return nil
}

// validateWorkflow checks a workflow and its tagged trigger
func (s *Store) validateWorkflow(w models.Workflow) error {
	if err := s.validateStruct(models.EntityTypeWorkflow, w); err != nil {
		return err
	}
	if err := w.Trigger.Validate(); err != nil {
		return models.NewValidationError(models.EntityTypeWorkflow, "trigger", err.Error())
	}
	return nil
}
