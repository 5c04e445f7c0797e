package structured

import "fmt"

// systemPrompt frames the model as a parser rather than a conversational assistant
const systemPrompt = "You are a financial document parser that extracts structured data from receipts and invoices. Be precise with numbers and dates."

// extractionPrompt lists the fields and the normalization rules the model must follow
const extractionPrompt = `Extract the following financial information from this receipt/invoice text. Format the response as a single JSON object.

Required fields:
- supplier_name: The company issuing the receipt/invoice
- invoice_number: The invoice or receipt number
- date: The payment/invoice date (YYYY-MM-DD format)
- total_amount: The total amount (as a number)
- currency: The currency code (e.g., SEK, USD)
- vat_amount: The VAT/tax amount (as a number)

Optional fields (include if found):
- line_items: Array of items, each with:
  - description: Item description
  - quantity: Number of items
  - unit_price: Price per unit
  - total: Total price for this item
  - vat_rate: VAT rate as percentage
- confidence_score: Your confidence in the extraction, between 0 and 1

Additional rules:
1. Convert all amounts to numbers (remove currency symbols and separators)
2. Use standard date format (YYYY-MM-DD)
3. If VAT is given as percentage, calculate the amount
4. For supplier name, use the official company name if found
5. For invoice number, include any prefix/suffix if present
6. If multiple dates found, prefer invoice date over other dates
7. If multiple totals found, use the final/grand total
8. If currency not explicitly stated, try to infer from symbols (€->EUR, $->USD, £->GBP, kr->SEK)
9. Calculate VAT amount if only percentage is given
10. Assign confidence based on completeness and clarity of data

Receipt text:
%s

Respond only with the JSON object, no additional text.`

// buildPrompt embeds the source text in the extraction instruction
func buildPrompt(text string) string {
	return fmt.Sprintf(extractionPrompt, text)
}
