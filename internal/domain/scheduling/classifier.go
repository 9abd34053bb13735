package scheduling

// SlotStatus describes how full a time slot is.
type SlotStatus string

const (
	SlotAvailable   SlotStatus = "AVAILABLE"
	SlotFillingFast SlotStatus = "FILLING_FAST"
	SlotFull        SlotStatus = "FULL"
)

// ClassifySlot maps a slot's capacity and bookings to a status: FULL at 100%
// utilisation, FILLING_FAST from 80%, AVAILABLE below that. A slot without
// positive capacity is FULL.
func ClassifySlot(maxAppointments, currentBookings int) SlotStatus {
	if maxAppointments <= 0 || currentBookings >= maxAppointments {
		return SlotFull
	}
	// current/max >= 0.8, kept in integers
	if currentBookings*5 >= maxAppointments*4 {
		return SlotFillingFast
	}
	return SlotAvailable
}
