package api

import (
	"github.com/Heba-Ragheb/clinic-appointment/internal/booking"
)

type CreateSlotRequest struct {
	StartTime string `json:"start_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
}

type BookRequest struct {
	SlotID string `json:"slot_id" validate:"required,uuid"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type SlotsResponse struct {
	Slots []booking.TimeSlot `json:"slots"`
}

type MessageResponse struct {
	Message     string               `json:"message"`
	Appointment *booking.Appointment `json:"appointment,omitempty"`
	Slot        *booking.TimeSlot    `json:"slot,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
