package mcpserver

// ItemFormatContract describes the item record format and the expiry rules
// that LLM consumers should follow when adding or importing items.
const ItemFormatContract = `# Larder Item Format

Every tracked item is one record of the signed-in user's pantry.

## Fields

| Field         | Type    | Required | Notes                                        |
|---------------|---------|----------|----------------------------------------------|
| name          | string  | yes      | Human-readable name, e.g. "Greek yoghurt".   |
| expiry_date   | string  | yes      | Calendar date, YYYY-MM-DD. No time of day.   |
| category      | string  | no       | Free text, e.g. "dairy".                     |
| notes         | string  | no       | Free text.                                   |
| quantity      | integer | no       | Positive; defaults to 1.                     |
| image_url     | string  | no       | Set by the attach_image tool, not by hand.   |

## Expiry status

Days remaining are counted in whole calendar days from today:

- below 0: expired
- 0: due today
- 1 to 7: expiring soon
- 8 to 30: upcoming
- above 30: ok

Alerts fire once per item when the countdown reaches 7, 3 and 0 days.

## Import document

A JSON or YAML list of records. The whole document is validated before
anything is created; a record without a name or with a malformed date
rejects the document and the error names the record's index.

` + "```" + `yaml
- name: Milk
  expiry_date: 2025-01-20
  category: dairy
- name: Eggs
  expiry_date: 2025-01-28
  quantity: 12
` + "```" + `
`
