package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Heba-Ragheb/clinic-appointment/internal/booking"
)

// Message is what a patient receives when staff cancel an appointment.
type Message struct {
	Type          string    `json:"type"`
	To            string    `json:"to"`
	PatientName   string    `json:"patient_name"`
	AppointmentID string    `json:"appointment_id"`
	SlotID        string    `json:"slot_id"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	SentAt        time.Time `json:"sent_at"`
}

func cancellationMessage(patient booking.User, appt booking.Appointment) Message {
	return Message{
		Type:          "appointment_cancelled",
		To:            patient.Email,
		PatientName:   patient.Name,
		AppointmentID: appt.ID.String(),
		SlotID:        appt.TimeSlotID.String(),
		Subject:       "Appointment Cancelled",
		Body: fmt.Sprintf("Dear %s, your appointment %s has been cancelled by the clinic. Please book a new time slot.",
			patient.Name, appt.ID),
		SentAt: time.Now().UTC(),
	}
}

// LogNotifier writes notifications to the log, used when Redis is off.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) AppointmentCancelled(_ context.Context, patient booking.User, appt booking.Appointment) error {
	msg := cancellationMessage(patient, appt)
	n.log.Info().
		Str("to", msg.To).
		Str("appointment_id", msg.AppointmentID).
		Str("subject", msg.Subject).
		Msg("notification")
	return nil
}

type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisNotifier publishes notifications as JSON on a pub/sub channel for
// a mail or push worker to deliver.
type RedisNotifier struct {
	pub     Publisher
	channel string
}

func NewRedisNotifier(pub Publisher, channel string) *RedisNotifier {
	return &RedisNotifier{pub: pub, channel: channel}
}

func (n *RedisNotifier) AppointmentCancelled(ctx context.Context, patient booking.User, appt booking.Appointment) error {
	if patient.Email == "" {
		return fmt.Errorf("patient %s has no email", patient.ID)
	}

	payload, err := json.Marshal(cancellationMessage(patient, appt))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return n.pub.Publish(ctx, n.channel, payload)
}
