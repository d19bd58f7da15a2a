package dispatch

import (
	"context"
	"fmt"

	"github.com/antoniostano/agentbridge/internal/business"
	"github.com/antoniostano/agentbridge/internal/knowledge"
)

const (
	fillerLookup  = "Let me look that up for you..."
	fillerGeneral = "One moment please..."

	farewellThanks  = "Thank you for calling! Have a great day!"
	farewellHelp    = "I'm glad I could help! Have a wonderful day!"
	farewellGeneral = "Goodbye! Have a nice day!"
)

var serviceParam = Param{
	Type:        "string",
	Description: "Type of service requested. Must be one of the following: Consultation, Follow-up, Review, or Planning",
	Enum:        business.Services,
}

var customerIDParam = Param{
	Type:        "string",
	Description: "Customer's ID in CUSTXXXX format. Must be obtained from find_customer first.",
}

func appointmentIDParam(verb string) Param {
	return Param{
		Type:        "string",
		Description: fmt.Sprintf("The appointment ID (e.g., APT0001) to %s. Must be obtained from get_appointments first.", verb),
	}
}

// RegisterDefaults registers the conversational functions and every business
// or knowledge function whose collaborator is non-nil.
func RegisterDefaults(d *Dispatcher, svc *business.Service, kb *knowledge.Base) {
	registerConversation(d)
	if svc != nil {
		registerBusiness(d, svc)
	}
	if kb != nil {
		registerKnowledge(d, kb)
	}
}

func registerConversation(d *Dispatcher) {
	d.Register(Function{
		Name: "agent_filler",
		Description: "Use this function to provide natural conversational filler before looking up information. " +
			"ALWAYS call this function first with message_type='lookup' when you're about to look up customer information. " +
			"After calling this function, you MUST immediately follow up with the appropriate lookup function.",
		Schema: Schema{
			Properties: map[string]Param{
				"message_type": {
					Type:        "string",
					Description: "Type of filler message to use. Use 'lookup' when about to search for information.",
					Enum:        []string{"lookup", "general"},
				},
			},
			Required: []string{"message_type"},
		},
		Handler: func(_ context.Context, call Call) (Outcome, error) {
			kind := call.Args.String("message_type")
			msg := fillerGeneral
			if kind == "lookup" {
				msg = fillerLookup
			}
			return Outcome{
				Payload: map[string]any{"status": "queued", "message_type": kind},
				Inject:  msg,
			}, nil
		},
	})

	d.Register(Function{
		Name: "end_call",
		Description: "End the conversation and close the connection. Call this function when the user says goodbye or " +
			"thank you, or indicates they are done. Do not call it if the user is still asking questions.",
		Schema: Schema{
			Properties: map[string]Param{
				"farewell_type": {
					Type:        "string",
					Description: "Type of farewell to use in response",
					Enum:        []string{"thanks", "general", "help"},
				},
			},
			Required: []string{"farewell_type"},
		},
		Handler: func(_ context.Context, call Call) (Outcome, error) {
			var msg string
			switch call.Args.String("farewell_type") {
			case "thanks":
				msg = farewellThanks
			case "help":
				msg = farewellHelp
			default:
				msg = farewellGeneral
			}
			return Outcome{
				Payload: map[string]any{"status": "closing", "message": msg},
				Inject:  msg,
				EndCall: true,
			}, nil
		},
	})
}

func registerBusiness(d *Dispatcher, svc *business.Service) {
	d.Register(Function{
		Name: "find_customer",
		Description: "Look up a customer's account information. Use context clues to determine what type of identifier " +
			"the user is providing: a customer ID (CUSTXXXX), a phone number in +1XXXXXXXXXX format, or an email address.",
		Schema: Schema{
			Properties: map[string]Param{
				"customer_id": {
					Type:        "string",
					Description: "Customer's ID. Format as CUSTXXXX where XXXX is the number padded to 4 digits with leading zeros. Example: if user says '42', pass 'CUST0042'",
				},
				"phone": {
					Type:        "string",
					Description: "Phone number with country code. Format as +1XXXXXXXXXX. Add +1 if not provided and remove any spaces, dashes, or parentheses.",
				},
				"email": {
					Type:        "string",
					Description: "Email address in standard format. Convert spoken 'at' to @ and 'dot' to '.', and remove spaces.",
				},
			},
			AnyOf: [][]string{{"customer_id", "phone", "email"}},
		},
		Handler: func(ctx context.Context, call Call) (Outcome, error) {
			c, err := svc.FindCustomer(ctx, business.CustomerQuery{
				Phone: call.Args.String("phone"),
				Email: call.Args.String("email"),
				ID:    call.Args.String("customer_id"),
			})
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Payload: c}, nil
		},
	})

	d.Register(Function{
		Name: "get_appointments",
		Description: "Retrieve all appointments for a customer. Use this function when a customer asks about their " +
			"upcoming or past appointments, or needs to reschedule or cancel one.",
		Schema: Schema{
			Properties: map[string]Param{"customer_id": customerIDParam},
			Required:   []string{"customer_id"},
		},
		Handler: func(ctx context.Context, call Call) (Outcome, error) {
			id := call.Args.String("customer_id")
			appts, err := svc.CustomerAppointments(ctx, id)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Payload: map[string]any{"customer_id": id, "appointments": appts}}, nil
		},
	})

	d.Register(Function{
		Name: "get_orders",
		Description: "Retrieve order history for a customer. Use this function when a customer asks about order " +
			"status, order history or a specific order.",
		Schema: Schema{
			Properties: map[string]Param{"customer_id": customerIDParam},
			Required:   []string{"customer_id"},
		},
		Handler: func(ctx context.Context, call Call) (Outcome, error) {
			id := call.Args.String("customer_id")
			orders, err := svc.CustomerOrders(ctx, id)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Payload: map[string]any{"customer_id": id, "orders": orders}}, nil
		},
	})

	d.Register(Function{
		Name: "create_appointment",
		Description: "Schedule a new appointment for a customer. Use this function after confirming the customer's " +
			"identity, the desired service and an available time slot.",
		Schema: Schema{
			Properties: map[string]Param{
				"customer_id": customerIDParam,
				"date": {
					Type:        "string",
					Description: "Appointment date and time in ISO format (YYYY-MM-DDTHH:MM:SS). Must be a time slot confirmed as available.",
				},
				"service": serviceParam,
			},
			Required: []string{"customer_id", "date", "service"},
		},
		Handler: func(ctx context.Context, call Call) (Outcome, error) {
			appt, err := svc.ScheduleAppointment(ctx, call.Args.String("customer_id"), call.Args.String("date"), call.Args.String("service"))
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Payload: appt}, nil
		},
	})

	d.Register(Function{
		Name: "check_availability",
		Description: "Check available appointment slots within a date range. Use this function before scheduling " +
			"or rescheduling, or when the customer asks about availability.",
		Schema: Schema{
			Properties: map[string]Param{
				"start_date": {
					Type:        "string",
					Description: "Start date in ISO format (YYYY-MM-DDTHH:MM:SS). Usually today's date for immediate availability checks.",
				},
				"end_date": {
					Type:        "string",
					Description: "End date in ISO format. Optional - defaults to 7 days after start_date. Use for specific date range requests.",
				},
			},
			Required: []string{"start_date"},
		},
		Handler: func(ctx context.Context, call Call) (Outcome, error) {
			slots, err := svc.AvailableSlots(ctx, call.Args.String("start_date"), call.Args.String("end_date"))
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Payload: map[string]any{"available_slots": slots}}, nil
		},
	})

	d.Register(Function{
		Name: "reschedule_appointment",
		Description: "Reschedule an existing appointment to a new date and time. Use this function after finding " +
			"the appointment with get_appointments and confirming the new slot is available.",
		Schema: Schema{
			Properties: map[string]Param{
				"appointment_id": appointmentIDParam("reschedule"),
				"new_date": {
					Type:        "string",
					Description: "New appointment date and time in ISO format (YYYY-MM-DDTHH:MM:SS). Must be a confirmed available time slot.",
				},
				"new_service": {
					Type:        "string",
					Description: "Type of service for the rescheduled appointment. Must be one of: Consultation, Follow-up, Review, or Planning",
					Enum:        business.Services,
				},
			},
			Required: []string{"appointment_id", "new_date", "new_service"},
		},
		Handler: func(ctx context.Context, call Call) (Outcome, error) {
			res, err := svc.RescheduleAppointment(ctx, call.Args.String("appointment_id"), call.Args.String("new_date"), call.Args.String("new_service"))
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Payload: res}, nil
		},
	})

	d.Register(Function{
		Name:        "cancel_appointment",
		Description: "Cancel an existing appointment. Confirm the cancellation with the customer before calling this function.",
		Schema: Schema{
			Properties: map[string]Param{"appointment_id": appointmentIDParam("cancel")},
			Required:   []string{"appointment_id"},
		},
		Handler: func(ctx context.Context, call Call) (Outcome, error) {
			appt, err := svc.CancelAppointment(ctx, call.Args.String("appointment_id"))
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Payload: map[string]any{"message": "Appointment cancelled successfully", "appointment": appt}}, nil
		},
	})

	d.Register(Function{
		Name:        "update_appointment_status",
		Description: "Update the status of an existing appointment, for example marking it completed.",
		Schema: Schema{
			Properties: map[string]Param{
				"appointment_id": appointmentIDParam("update"),
				"new_status": {
					Type:        "string",
					Description: "New status for the appointment",
					Enum:        business.AppointmentStatuses,
				},
			},
			Required: []string{"appointment_id", "new_status"},
		},
		Handler: func(ctx context.Context, call Call) (Outcome, error) {
			res, err := svc.UpdateAppointmentStatus(ctx, call.Args.String("appointment_id"), call.Args.String("new_status"))
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Payload: res}, nil
		},
	})

	d.Register(Function{
		Name: "create_customer_account",
		Description: "Create a new customer account when they don't have one. Collect the full name, phone number " +
			"and email, asking the customer to spell each out, and confirm them before calling this function.",
		Schema: Schema{
			Properties: map[string]Param{
				"name": {
					Type:        "string",
					Description: "Customer's full name. Ask them to spell it out letter by letter for accuracy.",
				},
				"phone": {
					Type:        "string",
					Description: "Phone number in international format (e.g., +15551234567). Ask them to spell it digit by digit.",
				},
				"email": {
					Type:        "string",
					Description: "Email address. Ask them to spell it out letter by letter for accuracy.",
				},
			},
			Required: []string{"name", "phone", "email"},
		},
		Handler: func(ctx context.Context, call Call) (Outcome, error) {
			c, err := svc.CreateCustomer(ctx, call.Args.String("name"), call.Args.String("phone"), call.Args.String("email"))
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Payload: map[string]any{
				"success":  true,
				"customer": c,
				"message":  fmt.Sprintf("Customer %s created successfully with ID %s", c.Name, c.ID),
			}}, nil
		},
	})
}

func registerKnowledge(d *Dispatcher, kb *knowledge.Base) {
	d.Register(Function{
		Name: "search_knowledge_base",
		Description: "Search the company knowledge base for specific information. Use this function when the user " +
			"asks about the company, its services, leadership, impact or partnerships.",
		Schema: Schema{
			Properties: map[string]Param{
				"query": {
					Type:        "string",
					Description: "The search query or question from the user. Should be specific and relevant to the company.",
				},
			},
			Required: []string{"query"},
		},
		Handler: func(_ context.Context, call Call) (Outcome, error) {
			hits := kb.Search(call.Args.String("query"))
			if len(hits) == 0 {
				return Outcome{Payload: map[string]any{"found": false, "message": "No information found for that query"}}, nil
			}
			payload := entryPayload(hits[0])
			payload["total_results"] = len(hits)
			return Outcome{Payload: payload}, nil
		},
	})

	d.Register(Function{
		Name: "get_knowledge_base_topics",
		Description: "Get all available topics in the company knowledge base. Use this function when the user asks " +
			"what they can learn about or needs help choosing a topic.",
		Schema: Schema{},
		Handler: func(context.Context, Call) (Outcome, error) {
			topics := kb.Topics()
			return Outcome{Payload: map[string]any{"topics": topics, "total_topics": len(topics)}}, nil
		},
	})

	d.Register(Function{
		Name: "get_knowledge_base_entry",
		Description: "Get a specific entry from the company knowledge base by topic or title. Use this function " +
			"when the user asks about a specific topic by name.",
		Schema: Schema{
			Properties: map[string]Param{
				"topic": {
					Type:        "string",
					Description: "The specific topic to search for (e.g., 'Company Information', 'Leadership Team', 'Key Services')",
				},
				"title": {
					Type:        "string",
					Description: "The specific title to search for (e.g., 'Company Overview')",
				},
			},
			AnyOf: [][]string{{"topic", "title"}},
		},
		Handler: func(_ context.Context, call Call) (Outcome, error) {
			topic, title := call.Args.String("topic"), call.Args.String("title")
			entry, ok := kb.Lookup(topic, title)
			if !ok {
				msg := "No entries found for title: " + title
				if topic != "" {
					msg = "No entries found for topic: " + topic
				}
				return Outcome{Payload: map[string]any{"found": false, "message": msg}}, nil
			}
			return Outcome{Payload: entryPayload(entry)}, nil
		},
	})
}

func entryPayload(e knowledge.Entry) map[string]any {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"found":   true,
		"title":   e.Title,
		"topic":   e.Topic,
		"content": e.Content,
		"tags":    tags,
	}
}
