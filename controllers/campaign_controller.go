package controller

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldreach/campaign"
	"coldreach/repository"
	"coldreach/utils"
)

// CampaignController exposes the lifecycle operations over HTTP. It is thin
// glue: all decisions live in the campaign package.
type CampaignController struct {
	Lifecycle *campaign.Lifecycle
	Schedules repository.ScheduleRepository
	Logger    *logrus.Entry
}

func NewCampaignController(lifecycle *campaign.Lifecycle, schedules repository.ScheduleRepository) *CampaignController {
	return &CampaignController{
		Lifecycle: lifecycle,
		Schedules: schedules,
		Logger:    logrus.WithField("component", "campaign_controller"),
	}
}

// StartCampaign activates a campaign, planning or reconciling its schedule
func (cc *CampaignController) StartCampaign(c *fiber.Ctx) error {
	id, err := campaignID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid campaign id",
		})
	}

	result, err := cc.Lifecycle.Start(c.Context(), id)
	if err != nil {
		return cc.renderError(c, "start_campaign", id, err, result)
	}

	return c.JSON(fiber.Map{
		"message": "Campaign started successfully",
		"result":  result,
	})
}

// PauseCampaign pauses an active campaign without touching its schedule
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	id, err := campaignID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid campaign id",
		})
	}

	if err := cc.Lifecycle.Pause(c.Context(), id); err != nil {
		return cc.renderError(c, "pause_campaign", id, err, nil)
	}
	return c.JSON(fiber.Map{
		"message": "Campaign paused successfully",
	})
}

// StopCampaign stops a campaign and supersedes its scheduled rows
func (cc *CampaignController) StopCampaign(c *fiber.Ctx) error {
	id, err := campaignID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid campaign id",
		})
	}

	if err := cc.Lifecycle.Stop(c.Context(), id); err != nil {
		return cc.renderError(c, "stop_campaign", id, err, nil)
	}
	return c.JSON(fiber.Map{
		"message": "Campaign stopped successfully",
	})
}

// GetSchedule returns the campaign's schedule rows
func (cc *CampaignController) GetSchedule(c *fiber.Ctx) error {
	id, err := campaignID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid campaign id",
		})
	}

	rows, err := cc.Schedules.FindByCampaign(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load schedule",
		})
	}
	return c.JSON(fiber.Map{
		"schedule": rows,
		"count":    len(rows),
	})
}

func (cc *CampaignController) renderError(c *fiber.Ctx, op string, id uint, err error, result *campaign.StartResult) error {
	utils.LogError(op, err, map[string]interface{}{"campaign_id": id})

	var partial *campaign.PartialBatchError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	case campaign.IsValidation(err):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	case campaign.IsConflict(err):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, campaign.ErrNoSendersAvailable):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.As(err, &partial):
		// Partial progress is real progress: the schedule is safe to
		// reconcile again, so report what landed.
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   err.Error(),
			"written": partial.Written,
			"total":   partial.Total,
			"result":  result,
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal server error",
	})
}

func campaignID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	return uint(id), err
}
