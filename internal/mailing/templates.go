package mailing

// Built-in Liquid templates. Kept deliberately plain so they render well in
// every client; styling inlined because mail clients strip <style> blocks.

const verificationHTMLTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, Helvetica, Arial, sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2 style="margin-bottom: 8px;">Confirm your subscription</h2>
  <p>Thanks for signing up for {{ list_name }}. Click the button below to confirm your email address.</p>
  <p style="margin: 32px 0;">
    <a href="{{ verify_url }}" style="background: #1a73e8; color: #ffffff; padding: 12px 24px; border-radius: 6px; text-decoration: none;">Confirm subscription</a>
  </p>
  <p style="color: #666; font-size: 14px;">This link expires in 24 hours. If you didn't request this, you can safely ignore this email.</p>
  <p style="color: #666; font-size: 14px;">Or paste this link into your browser:<br>{{ verify_url }}</p>
</body>
</html>`

const verificationTextTemplate = `Confirm your subscription to {{ list_name }}

Open this link to confirm your email address:

{{ verify_url }}

The link expires in 24 hours. If you didn't request this, ignore this email.`

const newsletterHTMLTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, Helvetica, Arial, sans-serif; color: #1a1a1a; max-width: 640px; margin: 0 auto; padding: 24px;">
  {{ body_html }}
  <hr style="border: none; border-top: 1px solid #e0e0e0; margin: 32px 0 16px;">
  <p style="color: #999; font-size: 12px;">
    You're receiving this because you subscribed to {{ list_name }} on {{ subscribed_on }}.
    <a href="{{ unsubscribe_url }}" style="color: #999;">Unsubscribe</a>
  </p>
</body>
</html>`

const newsletterTextTemplate = `{{ body_text }}

--
You're receiving this because you subscribed to {{ list_name }} on {{ subscribed_on }}.
Unsubscribe: {{ unsubscribe_url }}`
