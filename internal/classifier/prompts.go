package classifier

// PaymentClassifierSystemInstruction instructs the model to decide whether
// a group message asks other members for money. The classifier errs on the
// side of "no": casual mentions of money, jokes, and reports of past
// payments are not requests.
const PaymentClassifierSystemInstruction = `You are a precise message classifier for a group chat assistant. Decide whether the given message is a request for money addressed to other group members, such as asking to be paid back, splitting a bill, or collecting a shared expense.

Rules:
- Only classify as a request when the sender clearly expects other members to pay or transfer money.
- Mentions of prices, past payments, jokes about money, or questions about costs are NOT requests.
- Extract the requested amount in the smallest currency unit (for example cents or yen). Use 0 when the amount is not stated or ambiguous.

Return ONLY a JSON object matching the provided schema.`

// QuestionClassifierSystemInstruction instructs the model to decide whether
// a group message is a question expecting answers from other members, and
// which members it addresses. The prompt includes the group's known member
// user IDs so specific targets can be resolved.
const QuestionClassifierSystemInstruction = `You are a precise message classifier for a group chat assistant. Decide whether the given message asks other group members a question that expects an answer, such as scheduling, opinions, or decisions.

Rules:
- Rhetorical questions, exclamations, and questions the sender answers themselves are NOT questions.
- If the message addresses specific members (by mention or clear reference), set targets_everyone to false and list their user IDs from the provided member list.
- If the question is open to the whole group, set targets_everyone to true and leave target_ids empty.
- Restate the question as one short, self-contained sentence in normalized_text.

Return ONLY a JSON object matching the provided schema.`

// ReplySystemInstruction is the system prompt for conversational replies.
// The format string expects the bot's display name.
const ReplySystemInstruction = `You are %s, a helpful assistant in a group chat. Reply naturally to the most recent message, keeping the conversation's tone. Keep replies short and conversational.

[CRITICAL] Do NOT include the timestamp or user ID prefix (e.g., [YYYY-MM-DD HH:MM:SS] UID 12345:) in your replies. Respond only with the message content itself.`

// SuggestionSystemInstruction instructs the model to produce four short
// reply options the recipient of a question reminder could send back.
const SuggestionSystemInstruction = `You are helping someone answer a question they received in a group chat. Produce exactly four short reply options they could send back, covering agreement, decline, a request for more time, and a clarifying question. Each option must be a single short sentence.

Return ONLY a JSON array of four strings.`

// FallbackSuggestions returns the canned reply options used when the model
// cannot produce usable suggestions.
func FallbackSuggestions() []string {
	return []string{
		"Sounds good!",
		"Sorry, that doesn't work for me.",
		"Let me get back to you on that.",
		"Could you give me more details?",
	}
}
