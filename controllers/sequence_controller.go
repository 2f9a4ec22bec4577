package controller

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"outreach/engine"
	"outreach/models"
	"outreach/store"
	"outreach/templates"
	"outreach/utils"
)

// ContactStore is the contact persistence the admin API writes to.
type ContactStore interface {
	UpsertContact(ctx context.Context, c *models.Contact) error
	GetContact(ctx context.Context, id string) (*models.Contact, error)
}

// TemplateAdmin lists and saves sequence templates.
type TemplateAdmin interface {
	templates.Writer
	List(ctx context.Context) ([]models.SequenceTemplate, error)
}

type SequenceController struct {
	Engine    *engine.Engine
	Contacts  ContactStore
	Templates TemplateAdmin
	Logger    logrus.FieldLogger
}

func NewSequenceController(eng *engine.Engine, contacts ContactStore, tmpls TemplateAdmin, logger logrus.FieldLogger) *SequenceController {
	return &SequenceController{
		Engine:    eng,
		Contacts:  contacts,
		Templates: tmpls,
		Logger:    logger,
	}
}

// engineError maps domain errors onto HTTP statuses.
func engineError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, templates.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Not found", err)
	case errors.Is(err, engine.ErrAlreadyEnrolled), errors.Is(err, engine.ErrInvalidTransition):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Conflict", err)
	case errors.Is(err, engine.ErrContactUnreachable), errors.Is(err, templates.ErrTemplateMisconfigured):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Unprocessable", err)
	}
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal error", err)
}

// UpsertContact creates or updates a contact record
func (sc *SequenceController) UpsertContact(c *fiber.Ctx) error {
	var input struct {
		ID       string `json:"id" validate:"required,max=64"`
		Email    string `json:"email" validate:"required,email"`
		FullName string `json:"full_name" validate:"omitempty,max=200"`
		Status   string `json:"status" validate:"omitempty,oneof=discovered enriched contacted"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	contact := &models.Contact{
		ID:       input.ID,
		Email:    input.Email,
		FullName: input.FullName,
		Status:   models.ContactStatus(input.Status),
	}
	if contact.Status == "" {
		contact.Status = models.ContactEnriched
	}
	if err := sc.Contacts.UpsertContact(c.UserContext(), contact); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save contact", err)
	}
	saved, err := sc.Contacts.GetContact(c.UserContext(), input.ID)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(utils.SuccessResponse(saved))
}

// ConvertContact ends the contact's open sequences as converted
func (sc *SequenceController) ConvertContact(c *fiber.Ctx) error {
	n, err := sc.Engine.ConvertContact(c.UserContext(), c.Params("id"))
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"converted_instances": n}))
}

// Enroll starts a contact on a sequence
func (sc *SequenceController) Enroll(c *fiber.Ctx) error {
	var input engine.EnrollRequest
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	inst, err := sc.Engine.Enroll(c.UserContext(), input)
	if err != nil {
		return engineError(c, err)
	}
	sc.Logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"contact_id":  inst.ContactID,
		"template":    inst.TemplateName,
	}).Info("Contact enrolled")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(inst))
}

func (sc *SequenceController) GetInstance(c *fiber.Ctx) error {
	inst, err := sc.Engine.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(utils.SuccessResponse(inst))
}

// ListInstances filters by status, contact, template and attention flag
func (sc *SequenceController) ListInstances(c *fiber.Ctx) error {
	f := models.InstanceFilter{
		Status:       models.InstanceStatus(c.Query("status")),
		ContactID:    c.Query("contact_id"),
		TemplateName: c.Query("template"),
	}
	if v := c.Query("needs_attention"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "needs_attention must be a boolean", err)
		}
		f.NeedsAttention = &b
	}
	f.Limit, _ = strconv.Atoi(c.Query("limit", "50"))
	if f.Limit > 500 {
		f.Limit = 500
	}

	list, err := sc.Engine.List(c.UserContext(), f)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(utils.SuccessResponse(list))
}

func (sc *SequenceController) Counts(c *fiber.Ctx) error {
	counts, err := sc.Engine.Counts(c.UserContext())
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(utils.SuccessResponse(counts))
}

func (sc *SequenceController) Pause(c *fiber.Ctx) error {
	if err := sc.Engine.Pause(c.UserContext(), c.Params("id")); err != nil {
		return engineError(c, err)
	}
	return sc.GetInstance(c)
}

func (sc *SequenceController) Resume(c *fiber.Ctx) error {
	if err := sc.Engine.Resume(c.UserContext(), c.Params("id")); err != nil {
		return engineError(c, err)
	}
	return sc.GetInstance(c)
}

func (sc *SequenceController) Stop(c *fiber.Ctx) error {
	var input struct {
		Reason string `json:"reason" validate:"omitempty,max=100"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}
	stopped, err := sc.Engine.Stop(c.UserContext(), c.Params("id"), input.Reason)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"stopped": stopped}))
}

// Retry releases an instance that needs attention back to the scheduler
func (sc *SequenceController) Retry(c *fiber.Ctx) error {
	if err := sc.Engine.Retry(c.UserContext(), c.Params("id")); err != nil {
		return engineError(c, err)
	}
	return sc.GetInstance(c)
}

func (sc *SequenceController) RefreshPersonalization(c *fiber.Ctx) error {
	var input struct {
		Personalization map[string]string `json:"personalization" validate:"required,min=1"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	inst, err := sc.Engine.RefreshPersonalization(c.UserContext(), c.Params("id"), input.Personalization)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(utils.SuccessResponse(inst))
}

// Tick runs one advance pass outside the worker schedule
func (sc *SequenceController) Tick(c *fiber.Ctx) error {
	sum, err := sc.Engine.AdvanceDue(c.UserContext())
	if err != nil {
		utils.LogError("manual_tick", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Tick failed", err)
	}
	return c.JSON(utils.SuccessResponse(sum))
}

func (sc *SequenceController) ListTemplates(c *fiber.Ctx) error {
	list, err := sc.Templates.List(c.UserContext())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list templates", err)
	}
	return c.JSON(utils.SuccessResponse(list))
}

// SaveTemplate stores a new version of a template. Running instances pick
// the change up at their next step evaluation.
func (sc *SequenceController) SaveTemplate(c *fiber.Ctx) error {
	var tmpl models.SequenceTemplate
	if err := c.BodyParser(&tmpl); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	tmpl.Name = c.Params("name")
	if err := sc.Templates.Save(c.UserContext(), &tmpl); err != nil {
		return engineError(c, err)
	}
	sc.Logger.WithFields(logrus.Fields{
		"template": tmpl.Name,
		"version":  tmpl.Version,
	}).Info("Sequence template saved")
	return c.JSON(utils.SuccessResponse(tmpl))
}
